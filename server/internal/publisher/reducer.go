package publisher

import (
	"time"

	"consoled/server/internal/model"
)

// Reduce 把一个 patch 归约到实例视图上，不触发任何外部调用。
// 约定：view 是发布者本地缓存，snapshot 都从这里生成，重复应用同一个 patch 结果不变。
func Reduce(view *model.ServerView, patch model.ServerPatch, now time.Time) *model.ServerView {
	if view == nil {
		return nil
	}

	if patch.Status != "" {
		view.Status = patch.Status
		switch patch.Status {
		case model.StatusStarting, model.StatusRunning:
			// 新一轮运行，清掉上次的退出码
			view.ExitCode = nil
		}
	}
	if patch.ExitCode != nil {
		code := *patch.ExitCode
		view.ExitCode = &code
	}
	if len(patch.Properties) > 0 {
		if view.Properties == nil {
			view.Properties = make(map[string]string, len(patch.Properties))
		}
		for k, v := range patch.Properties {
			view.Properties[k] = v
		}
	}
	// revision 只前进，乱序到达的旧 patch 不回退
	if patch.Revision > view.Revision {
		view.Revision = patch.Revision
	}
	view.UpdatedAt = now
	return view
}
