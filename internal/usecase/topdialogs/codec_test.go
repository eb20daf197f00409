package topdialogs

import (
	"errors"
	"math"
	"testing"

	"tg-top-dialogs/internal/domain"
)

func TestSnapshotRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		snap Snapshot
	}{
		{"пустой", Snapshot{RatingTimestamp: 1700000000}},
		{"один диалог", Snapshot{
			RatingTimestamp: 1700000000,
			Dialogs:         []domain.TopDialog{{ID: domain.DialogFromUser(42), Rating: 1.5}},
		}},
		{"все виды", Snapshot{
			RatingTimestamp: 1700000123,
			Dialogs: []domain.TopDialog{
				{ID: domain.DialogFromUser(7), Rating: 12.75},
				{ID: domain.DialogFromChat(55), Rating: 3},
				{ID: domain.DialogFromChannel(1234567), Rating: 0},
				{ID: domain.DialogFromUser(8), Rating: math.MaxFloat64},
			},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodeSnapshot(EncodeSnapshot(tc.snap))
			if err != nil {
				t.Fatalf("декодирование не удалось: %v", err)
			}
			if got.RatingTimestamp != tc.snap.RatingTimestamp {
				t.Fatalf("база: ожидали %v, получили %v", tc.snap.RatingTimestamp, got.RatingTimestamp)
			}
			if len(got.Dialogs) != len(tc.snap.Dialogs) {
				t.Fatalf("ожидали %d диалогов, получили %d", len(tc.snap.Dialogs), len(got.Dialogs))
			}
			for i := range got.Dialogs {
				if got.Dialogs[i] != tc.snap.Dialogs[i] {
					t.Fatalf("диалог %d: ожидали %+v, получили %+v", i, tc.snap.Dialogs[i], got.Dialogs[i])
				}
			}
		})
	}
}

func TestDecodeSnapshotMalformed(t *testing.T) {
	valid := EncodeSnapshot(Snapshot{
		RatingTimestamp: 1700000000,
		Dialogs:         []domain.TopDialog{{ID: domain.DialogFromUser(1), Rating: 1}},
	})

	cases := []struct {
		name string
		data []byte
	}{
		{"обрезанный заголовок", valid[:8]},
		{"обрезанная запись", valid[:len(valid)-1]},
		{"лишние байты", append(append([]byte(nil), valid...), 0)},
		{"завышенный счётчик", func() []byte {
			b := append([]byte(nil), valid...)
			b[8] = 200
			return b
		}()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := DecodeSnapshot(tc.data); !errors.Is(err, domain.ErrMalformedSnapshot) {
				t.Fatalf("ожидали ErrMalformedSnapshot, получили %v", err)
			}
		})
	}
}
