package service

import "time"

// HealthStatus 是健康检查的结果。
type HealthStatus struct {
	Status            string
	Timestamp         time.Time
	Uptime            time.Duration
	ActiveConnections int
	ActiveExchanges   int
	Provider          string
}

// HealthService 汇报进程运行状态。
type HealthService struct {
	registry  SessionRegistry
	history   *ConversationHistory
	provider  string
	startedAt time.Time
	now       func() time.Time
}

// NewHealthService 创建 HealthService，history 可以为 nil。
func NewHealthService(registry SessionRegistry, history *ConversationHistory, provider string) *HealthService {
	return &HealthService{registry: registry, history: history, provider: provider, startedAt: time.Now(), now: time.Now}
}

func (s *HealthService) Check() HealthStatus {
	now := s.now()
	status := HealthStatus{
		Status:            "ok",
		Timestamp:         now,
		Uptime:            now.Sub(s.startedAt),
		ActiveConnections: s.registry.Count(),
		Provider:          s.provider,
	}
	if s.history != nil {
		status.ActiveExchanges = s.history.InFlight()
	}
	return status
}
