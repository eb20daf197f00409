package topdialogs

import (
	"math"
	"testing"
)

func TestRatingAddAtBase(t *testing.T) {
	if got := ratingAdd(1000, 1000, 100); got != 1 {
		t.Fatalf("ожидали 1 в базовой точке, получили %v", got)
	}
}

func TestRatingAddMonotonic(t *testing.T) {
	prev := ratingAdd(0, 0, 100)
	for _, now := range []float64{1, 10, 100, 1000} {
		cur := ratingAdd(now, 0, 100)
		if cur <= prev {
			t.Fatalf("ожидали строгий рост по времени: %v после %v", cur, prev)
		}
		prev = cur
	}

	slow := ratingAdd(500, 0, 1000)
	fast := ratingAdd(500, 0, 100)
	if slow >= fast {
		t.Fatalf("больший rating_e_decay должен давать меньшую прибавку: %v против %v", slow, fast)
	}
}

func TestRatingAddScenario(t *testing.T) {
	// Событие через rating_e_decay секунд даёт прибавку e.
	got := ratingAdd(100, 0, 100)
	if math.Abs(got-math.E) > 1e-12 {
		t.Fatalf("ожидали e, получили %v", got)
	}
}

func TestVectorHashOrderSensitive(t *testing.T) {
	a := vectorHash([]uint32{1, 2, 3})
	b := vectorHash([]uint32{3, 2, 1})
	if a == b {
		t.Fatalf("хэш не должен совпадать при перестановке")
	}
	if a != vectorHash([]uint32{1, 2, 3}) {
		t.Fatalf("хэш должен быть детерминированным")
	}
	if vectorHash(nil) != 0 {
		t.Fatalf("хэш пустого списка должен быть нулевым")
	}
	if h := vectorHash([]uint32{0xFFFFFFFF, 0xFFFFFFFF}); h < 0 || h >= 0x80000000 {
		t.Fatalf("хэш должен лежать в [0, 2^31), получили %d", h)
	}
}
