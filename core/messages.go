package core

import "fmt"

// ClosedMessage is written into a pane when its remote session ends.
const ClosedMessage = "\r\nConnection closed. Press any key to exit.\r\n"

// ErrorMessage formats a connection failure for display in a pane.
func ErrorMessage(msg string) string {
	return fmt.Sprintf("\r\n\x1b[1;31m✖ Error:\x1b[0m \x1b[31m%s\x1b[0m\r\n", msg)
}
