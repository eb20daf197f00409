package clock

import (
	"time"

	"tg-top-dialogs/internal/domain"
)

// System реализует domain.Clock через системные часы.
type System struct{}

// Now возвращает текущее время.
func (System) Now() time.Time { return time.Now() }

var _ domain.Clock = System{}
