package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"tg-top-dialogs/internal/adapters/kvstore"
	"tg-top-dialogs/internal/domain"
	"tg-top-dialogs/internal/usecase/topdialogs"
)

// Утилита для осмотра снапшотов топа диалогов в bbolt-файле.
func main() {
	path := flag.String("db", "top_dialogs.db", "путь к bbolt-файлу")
	flag.Parse()

	store, err := kvstore.NewBolt(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "не удалось открыть %s: %v\n", *path, err)
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()

	if raw, err := store.Get(ctx, "top_dialogs_ts"); err != nil {
		fmt.Fprintf(os.Stderr, "чтение top_dialogs_ts: %v\n", err)
	} else if len(raw) > 0 {
		if sec, err := strconv.ParseInt(string(raw), 10, 64); err == nil {
			fmt.Printf("последняя сверка с сервером: %s\n", time.Unix(sec, 0).Format(time.RFC3339))
		}
	} else {
		fmt.Println("сверка с сервером ещё не выполнялась")
	}

	for _, category := range domain.Categories() {
		value, err := store.Get(ctx, "top_dialogs#"+category.Name())
		if err != nil {
			fmt.Fprintf(os.Stderr, "чтение %s: %v\n", category.Name(), err)
			continue
		}
		if len(value) == 0 {
			fmt.Printf("%s: пусто\n", category.Name())
			continue
		}
		snap, err := topdialogs.DecodeSnapshot(value)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", category.Name(), err)
			continue
		}
		fmt.Printf("%s: база %s, %d диалогов\n",
			category.Name(),
			time.Unix(int64(snap.RatingTimestamp), 0).Format(time.RFC3339),
			len(snap.Dialogs),
		)
		for i, d := range snap.Dialogs {
			fmt.Printf("  %2d. %s %.6f\n", i+1, describe(d.ID), d.Rating)
		}
	}
}

func describe(id domain.DialogID) string {
	switch id.Kind() {
	case domain.DialogKindUser:
		return fmt.Sprintf("user:%d", id.UserID())
	case domain.DialogKindChat:
		return fmt.Sprintf("chat:%d", id.ChatID())
	case domain.DialogKindChannel:
		return fmt.Sprintf("channel:%d", id.ChannelID())
	default:
		return fmt.Sprintf("dialog:%d", int64(id))
	}
}
