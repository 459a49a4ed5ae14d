package mq

import "time"

// RoutingTaskCompleted 由任务服务发布
const RoutingTaskCompleted = "task.completed"

// TaskCompletedPayload 任务完成事件，只使用 project_id 失效历史缓存
type TaskCompletedPayload struct {
	TaskID      int       `json:"task_id"`
	ProjectID   int       `json:"project_id"`
	CompletedAt time.Time `json:"completed_at"`
	TraceID     string    `json:"trace_id,omitempty"`
}
