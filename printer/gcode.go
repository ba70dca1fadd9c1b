package printer

import (
	"strconv"
	"strings"
)

const (
	// MaxStatusLevel is the highest M408 level sent on the wire. Higher
	// levels produce responses the firmware does not emit as valid JSON.
	MaxStatusLevel = 2
	// DefaultStatusLevel is the level used by IsPrinting.
	DefaultStatusLevel = 2

	spuriousMessagePrefix = "Error:"
	fileNotFoundPrefix    = "Cannot find file"
)

// hashCommand builds M38 (compute SHA1 of a file on the SD card).
func hashCommand(path string) string {
	return "M38 " + path + "\n"
}

// printCommand builds M32 (select file and start SD print).
func printCommand(path string) string {
	return "M32 " + path + "\n"
}

// statusCommand builds M408 (report JSON-style response).
func statusCommand(level int) string {
	return "M408 S" + strconv.Itoa(clampStatusLevel(level)) + "\n"
}

func clampStatusLevel(level int) int {
	if level > MaxStatusLevel {
		return MaxStatusLevel
	}
	if level < 0 {
		return 0
	}
	return level
}

// isSpuriousMessage reports whether a line looks like an asynchronous
// firmware notification rather than the answer to the last command.
// Detection is by content only; the channel carries no framing for it.
func isSpuriousMessage(line string) bool {
	return strings.HasPrefix(line, spuriousMessagePrefix)
}

// isFileNotFound reports whether an M38 answer means the file is missing
// or could not be hashed.
func isFileNotFound(line string) bool {
	return strings.HasPrefix(line, fileNotFoundPrefix)
}
