package realtime

import "time"

// Timer 是一次已安排的回调。
type Timer interface {
	Stop() bool
}

// Scheduler 负责延迟执行重连，测试中可替换为手动触发的实现。
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// LinearBackoff 返回第 attempt 次重连的等待时间：base × attempt。
func LinearBackoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base * time.Duration(attempt)
}
