// Package retry предоставляет общий механизм повторов с настраиваемой задержкой.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy описывает параметры повторов операции.
//
// Multiplier равный 1 даёт фиксированную задержку между попытками,
// больше 1 — экспоненциальный рост.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	// OnRetry вызывается перед очередным повтором с номером неудавшейся попытки
	// и её ошибкой. Используется для наблюдаемости.
	OnRetry func(attempt int, err error)
}

// Do выполняет операцию с повторами по указанной политике и возвращает
// последнюю ошибку, если все попытки исчерпаны.
//
// Ошибки, которые не могут исчезнуть при повторе (ошибки валидации),
// сюда передавать нельзя — это ответственность вызывающего.
func Do(ctx context.Context, op func() error, p Policy) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.Multiplier = multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	attempt := 0
	notify := func(err error, _ time.Duration) {
		attempt++
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}
	}

	wrapped := backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxAttempts-1)), ctx)

	return backoff.RetryNotify(op, wrapped, notify)
}
