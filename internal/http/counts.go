package http

import "github.com/fyrsmithlabs/todosync/internal/queue"

// OperationCounts breaks pending operations down for status displays.
type OperationCounts struct {
	ByTable map[queue.Table]int  `json:"by_table"`
	ByType  map[queue.OpType]int `json:"by_type"`
	// Failing operations have at least one failed attempt.
	Failing int `json:"failing"`
	// MaxRetryCount is the highest retry count of any pending operation.
	MaxRetryCount int `json:"max_retry_count"`
}

// CountOperations summarizes ops.
func CountOperations(ops []queue.Operation) OperationCounts {
	counts := OperationCounts{
		ByTable: map[queue.Table]int{},
		ByType:  map[queue.OpType]int{},
	}
	for _, op := range ops {
		counts.ByTable[op.Table]++
		counts.ByType[op.Type]++
		if op.RetryCount > 0 {
			counts.Failing++
		}
		if op.RetryCount > counts.MaxRetryCount {
			counts.MaxRetryCount = op.RetryCount
		}
	}
	return counts
}
