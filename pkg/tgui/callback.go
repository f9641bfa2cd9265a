package tgui

import (
	"fmt"
	"strings"
)

// Data formats callback data as "verb:arg1:arg2". Args are rendered with
// fmt and must not contain ':'.
func Data(verb string, args ...any) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(verb))
	for _, a := range args {
		b.WriteByte(':')
		fmt.Fprint(&b, a)
	}
	return b.String()
}

// CheckData reports ErrCallbackDataTooLong when data exceeds Telegram's limit.
func CheckData(data string) error {
	if len(data) > MaxCallbackDataLen {
		return fmt.Errorf("%w: %d bytes", ErrCallbackDataTooLong, len(data))
	}
	return nil
}
