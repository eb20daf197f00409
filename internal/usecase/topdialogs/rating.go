package topdialogs

import "math"

// DefaultRatingEDecay — запасное значение rating_e_decay (секунды),
// если сервер не прислал своё.
const DefaultRatingEDecay int64 = 241920

// ratingAdd возвращает прибавку к рейтингу за событие в момент now
// относительно базы rating_timestamp. ratingAdd(t, t) == 1.
func ratingAdd(now, ratingTimestamp float64, eDecay int64) float64 {
	return math.Exp((now - ratingTimestamp) / float64(eDecay))
}

// vectorHash — порядкозависимый хэш списка идентификаторов,
// передаваемый серверу для ответа "not modified".
func vectorHash(ids []uint32) int64 {
	var acc uint64
	for _, id := range ids {
		acc = acc*20261 + uint64(id)
		acc %= 0x80000000
	}
	return int64(acc)
}
