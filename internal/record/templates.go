package record

import (
	"fmt"
	"time"

	"github.com/p-blackswan/designvault/internal/frontmatter"
)

// createdLayout matches the timestamps already present in existing data trees.
const createdLayout = "2006/01/02 15:04"

var (
	DefaultAllowedStatuses = []string{"pending", "in-progress", "review", "completed", "cancelled"}
	DefaultAllowedTags     = []string{"初稿", "定稿", "客户审核", "最终版"}
)

const (
	defaultProjectStatus = "active"
	defaultTaskStatus    = "pending"
)

func newDocument(name string, kind Kind, now time.Time) (*frontmatter.Document, error) {
	created := now.Format(createdLayout)
	keys := []string{KeyTitle, KeyCreated, KeyStatus}
	values := map[string]any{KeyTitle: name, KeyCreated: created}

	var body string
	switch kind {
	case KindProject:
		keys = append(keys, KeyAllowedStatuses, KeyAllowedTags)
		values[KeyStatus] = defaultProjectStatus
		values[KeyAllowedStatuses] = DefaultAllowedStatuses
		values[KeyAllowedTags] = DefaultAllowedTags
		body = fmt.Sprintf("\n# %s\n\n## 项目信息\n\n- 创建时间: %s\n- 状态: 进行中\n\n## 项目描述\n\n## 备注\n", name, created)
	default:
		values[KeyStatus] = defaultTaskStatus
		body = fmt.Sprintf("\n# %s\n\n## 任务信息\n\n- 创建时间: %s\n- 状态: 待处理\n\n## 设计文件说明\n\n## 备注\n", name, created)
	}
	meta, err := frontmatter.FromMap(keys, values)
	if err != nil {
		return nil, err
	}
	return &frontmatter.Document{Metadata: meta, Body: body}, nil
}
