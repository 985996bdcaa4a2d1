package common

import (
	"fmt"

	"github.com/fatih/color"
)

type Logger interface {
	Log(format string, args ...interface{})
}

// logger prefixes every line with the owning role's tag.
type logger struct {
	tag string
}

func NewLogger(tag string) *logger {
	return &logger{
		tag: tag,
	}
}

func (l *logger) Log(format string, args ...interface{}) {
	fmt.Printf("%s %s\n", color.CyanString("[%s]", l.tag), fmt.Sprintf(format, args...))
}
