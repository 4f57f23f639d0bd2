package engine

import "errors"

var (
	// ErrConflict отклоняет повторный запрос при уже активной брони
	ErrConflict = errors.New("active reservation already exists for this user and resource")

	// ErrNotFound нет активной брони в требуемом состоянии
	ErrNotFound = errors.New("no active reservation in the required state")

	// ErrExpired keep-alive пришёл после дедлайна, запись ждёт свипера
	ErrExpired = errors.New("reservation already expired")
)
