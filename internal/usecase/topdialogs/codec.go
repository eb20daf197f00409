package topdialogs

import (
	"encoding/binary"
	"fmt"
	"math"

	"tg-top-dialogs/internal/domain"
)

// Snapshot — сериализуемое состояние одной категории.
type Snapshot struct {
	RatingTimestamp float64
	Dialogs         []domain.TopDialog
}

const snapshotEntrySize = 16 // int64 id + float64 rating

// EncodeSnapshot кодирует снапшот категории: base timestamp,
// количество записей и пары (id, rating) в текущем порядке сортировки.
func EncodeSnapshot(s Snapshot) []byte {
	buf := make([]byte, 12+snapshotEntrySize*len(s.Dialogs))
	binary.LittleEndian.PutUint64(buf[0:8], math.Float64bits(s.RatingTimestamp))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(s.Dialogs)))
	off := 12
	for _, d := range s.Dialogs {
		binary.LittleEndian.PutUint64(buf[off:off+8], uint64(d.ID))
		binary.LittleEndian.PutUint64(buf[off+8:off+16], math.Float64bits(d.Rating))
		off += snapshotEntrySize
	}
	return buf
}

// DecodeSnapshot разбирает снапшот категории. Усечённые и повреждённые
// данные отклоняются с ErrMalformedSnapshot.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	if len(data) < 12 {
		return Snapshot{}, fmt.Errorf("%w: %d байт вместо заголовка", domain.ErrMalformedSnapshot, len(data))
	}
	count := binary.LittleEndian.Uint32(data[8:12])
	if rest := len(data) - 12; rest != int(count)*snapshotEntrySize {
		return Snapshot{}, fmt.Errorf("%w: %d записей при %d байтах данных", domain.ErrMalformedSnapshot, count, rest)
	}
	s := Snapshot{
		RatingTimestamp: math.Float64frombits(binary.LittleEndian.Uint64(data[0:8])),
	}
	if count > 0 {
		s.Dialogs = make([]domain.TopDialog, 0, count)
	}
	off := 12
	for i := uint32(0); i < count; i++ {
		s.Dialogs = append(s.Dialogs, domain.TopDialog{
			ID:     domain.DialogID(binary.LittleEndian.Uint64(data[off : off+8])),
			Rating: math.Float64frombits(binary.LittleEndian.Uint64(data[off+8 : off+16])),
		})
		off += snapshotEntrySize
	}
	return s, nil
}
