package models

import "time"

const (
	// DefaultApprovedTimeout срок действия одобренной брони без keep-alive
	DefaultApprovedTimeout = 600 * time.Second

	// DefaultRequestedTimeout срок ожидания в очереди; 0 отключает истечение
	DefaultRequestedTimeout = 1800 * time.Second

	// DefaultSweepInterval период фонового обхода просроченных броней
	DefaultSweepInterval = time.Second

	// DefaultSessionTTL время жизни сессии
	DefaultSessionTTL = 24 * time.Hour

	// WorkerQueueSize размер очереди воркера аудита
	WorkerQueueSize = 1000

	// LoginAttemptLimit попыток входа на имя в пределах окна
	LoginAttemptLimit = 5

	// LoginAttemptWindow окно подсчёта попыток входа
	LoginAttemptWindow = time.Minute

	// RateLimitRPS лимит запросов API по умолчанию
	RateLimitRPS = 10

	// RateLimitBurst всплеск запросов API по умолчанию
	RateLimitBurst = 20
)
