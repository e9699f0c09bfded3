// Package colorize provides syntax highlighting for trace output.
package colorize

import (
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
)

// IDA-style theme colors
const (
	colorMnemonic = "#FFFFFF" // White for mnemonics
	colorRegister = "#87CEEB" // Light blue for registers
	colorNumber   = "#FF80C0" // Light pink for numbers
	colorLabel    = "#FFC800" // Yellow for labels/function names
	colorComment  = "#FF8000" // Orange for comments
	colorString   = "#00FF00" // Green for strings
)

// TraceDark is the disassembly style used for trace lines.
var TraceDark = styles.Register(chroma.MustNewStyle("tarsier-dark", chroma.StyleEntries{
	chroma.Text:           colorMnemonic,
	chroma.Background:     "bg:#000000",
	chroma.Comment:        colorComment,
	chroma.CommentPreproc: colorComment,

	chroma.Keyword:       colorMnemonic,
	chroma.KeywordPseudo: colorMnemonic,
	chroma.Name:          colorRegister,
	chroma.NameBuiltin:   colorRegister,
	chroma.NameVariable:  colorRegister,

	chroma.LiteralNumber:        colorNumber,
	chroma.LiteralNumberHex:     colorNumber,
	chroma.LiteralNumberBin:     colorNumber,
	chroma.LiteralNumberOct:     colorNumber,
	chroma.LiteralNumberInteger: colorNumber,
	chroma.LiteralNumberFloat:   colorNumber,

	chroma.NameLabel:    colorLabel,
	chroma.NameFunction: colorMnemonic,

	chroma.Operator:    colorMnemonic,
	chroma.Punctuation: colorMnemonic,

	chroma.String: colorString,
}))

// getAssemblyLexer returns an assembly lexer with fallbacks.
func getAssemblyLexer() chroma.Lexer {
	candidates := []string{"armasm", "gas", "nasm"}
	for _, name := range candidates {
		if lexer := lexers.Get(name); lexer != nil {
			return lexer
		}
	}
	return nil
}

func getTraceStyle() *chroma.Style {
	candidates := []string{"tarsier-dark", "dracula", "monokai"}
	for _, name := range candidates {
		if style := styles.Get(name); style != nil {
			return style
		}
	}
	return styles.Fallback
}

func getTerminalFormatter() chroma.Formatter {
	candidates := []string{"terminal16m", "terminal256"}
	for _, name := range candidates {
		if formatter := formatters.Get(name); formatter != nil {
			return formatter
		}
	}
	return formatters.Fallback
}

// IsDisabled returns true if colors are disabled via environment
func IsDisabled() bool {
	return os.Getenv("TARSIER_NO_COLOR") != "" || os.Getenv("NO_COLOR") != ""
}

// Instruction colorizes an assembly instruction using Chroma
func Instruction(insn string) string {
	if IsDisabled() {
		return insn
	}

	lexer := getAssemblyLexer()
	if lexer == nil {
		return insn
	}

	_ = TraceDark // Force registration
	style := getTraceStyle()
	formatter := getTerminalFormatter()

	iterator, err := lexer.Tokenise(nil, insn)
	if err != nil {
		return insn
	}

	var buf strings.Builder
	if err := formatter.Format(&buf, style, iterator); err != nil {
		return insn
	}

	return strings.TrimSuffix(buf.String(), "\n")
}

// Address formats an address in yellow
func Address(addr uint64) string {
	if IsDisabled() {
		return fmt.Sprintf("%08X", addr)
	}
	return fmt.Sprintf("\033[38;2;255;200;0m%08X\033[0m", addr)
}

// Tag formats a category hashtag in light pink
func Tag(tag string) string {
	if IsDisabled() {
		return tag
	}
	return fmt.Sprintf("\033[38;2;255;180;200m%s\033[0m", tag)
}

// FuncName formats a routine name in yellow (IDA style labels)
func FuncName(name string) string {
	if IsDisabled() {
		return name
	}
	return fmt.Sprintf("\033[38;2;255;200;0m%s\033[0m", name)
}

// Detail formats detail text in light gray
func Detail(detail string) string {
	if IsDisabled() {
		return detail
	}
	return fmt.Sprintf("\033[38;2;180;180;180m%s\033[0m", detail)
}

// Border formats border characters in dark gray
func Border(s string) string {
	if IsDisabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;80;80;80m%s\033[0m", s)
}

// Header formats header text in blue (IDA style)
func Header(s string) string {
	if IsDisabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;86;156;214m%s\033[0m", s)
}

// Error formats error messages in pink
func Error(s string) string {
	if IsDisabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;255;128;192m%s\033[0m", s)
}
