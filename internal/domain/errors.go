package domain

import "errors"

var (
	// ErrUnsupported возвращается, когда подсистема работает без базы диалогов.
	ErrUnsupported = errors.New("топ диалогов недоступен без базы диалогов")
	// ErrMalformedSnapshot возвращается при повреждённом снапшоте категории.
	ErrMalformedSnapshot = errors.New("повреждённый снапшот топа диалогов")
	// ErrUnknownCategory возвращается при неизвестном имени категории.
	ErrUnknownCategory = errors.New("неизвестная категория")
)
