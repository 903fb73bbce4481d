/* particle-iot/usb - host-side control-transfer protocol and DFU client
 * for Particle microcontroller devices
 *
 * .INI file loader, used by the optional on-disk quirks table.
 * Adapted from the teacher's general-purpose .INI reader, trimmed to
 * what quirks.go actually needs: section/key-value records with
 * comments, and unsigned-integer/log-level value parsing. The
 * teacher's quoted-string escape machinery (\xNN, octal escapes) and
 * its other Load* helpers (LoadBool, LoadDuration, LoadSize,
 * LoadUintRange) have no quirks-file value that needs them, so they
 * are not carried over.
 */

package usb

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// IniFile represents an opened .INI file.
type IniFile struct {
	file   *os.File
	line   int
	reader *bufio.Reader
	buf    bytes.Buffer
	rec    IniRecord
}

// IniRecord represents a single .INI file record.
type IniRecord struct {
	Section    string // Section name
	Key, Value string // Key and value
	File       string // Origin file
	Line       int    // Line in that file
	Type       IniRecordType
}

// IniRecordType distinguishes a section header from a key/value pair.
//
//	[section]       <- IniRecordSection
//	  key = value   <- IniRecordKeyVal
type IniRecordType int

const (
	IniRecordSection IniRecordType = iota
	IniRecordKeyVal
)

// IniError represents an .INI file read error.
type IniError struct {
	File    string
	Line    int
	Message string
}

// OpenIniFileWithRecType opens path for reading; Next returns both
// section and key/value records.
func OpenIniFileWithRecType(path string) (*IniFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	ini := &IniFile{
		file:   f,
		line:   1,
		reader: bufio.NewReader(f),
		rec:    IniRecord{File: path},
	}

	return ini, nil
}

// Close the .INI file.
func (ini *IniFile) Close() error {
	return ini.file.Close()
}

// Next returns the next IniRecord, or io.EOF once the file is exhausted.
func (ini *IniFile) Next() (*IniRecord, error) {
	for {
		c, err := ini.getcNonSpace()
		for err == nil && ini.iscomment(c) {
			ini.getcNl()
			c, err = ini.getcNonSpace()
		}

		if err != nil {
			return nil, err
		}

		ini.rec.Line = ini.line
		var token string

		switch c {
		case '[':
			c, token, err = ini.token(']', false)
			if err == nil && c == ']' {
				ini.rec.Section = token
			}
			ini.getcNl()
			ini.rec.Type = IniRecordSection
			return &ini.rec, nil

		case '=':
			ini.getcNl()
			return nil, ini.errorf("unexpected '=' character")

		default:
			ini.ungetc(c)

			c, token, err = ini.token('=', false)
			if err != nil {
				return nil, err
			}
			if c != '=' {
				return nil, ini.errorf("expected '=' character")
			}

			ini.rec.Key = token
			_, token, err = ini.token(-1, true)
			if err != nil {
				return nil, err
			}
			ini.rec.Value = token
			ini.rec.Type = IniRecordKeyVal
			return &ini.rec, nil
		}
	}
}

// token reads the next delimiter-terminated field of the current
// logical line: it skips leading space, trims trailing space, and
// treats ';'/'#' as a to-end-of-line comment. When linecont is true, a
// trailing backslash continues the value onto the next physical line
// (used by quirks.go's long poll-table-ms lists).
func (ini *IniFile) token(delimiter rune, linecont bool) (byte, string, error) {
	type prsState int
	const (
		prsSkipSpace prsState = iota
		prsBody
		prsComment
	)

	var trailingSpace int
	var c byte
	var err error

	state := prsSkipSpace
	ini.buf.Reset()

	for {
		c, err = ini.getc()
		if err != nil || c == '\n' {
			break
		}

		if (state == prsBody || state == prsSkipSpace) && rune(c) == delimiter {
			break
		}

		switch state {
		case prsSkipSpace:
			if ini.isspace(c) {
				continue
			}
			state = prsBody
			fallthrough

		case prsBody:
			if ini.iscomment(c) {
				state = prsComment
				continue
			}

			if c == '\\' && linecont {
				c2, _ := ini.getc()
				if c2 == '\n' {
					ini.buf.Truncate(ini.buf.Len() - trailingSpace)
					trailingSpace = 0
					state = prsSkipSpace
					continue
				}
				ini.ungetc(c2)
			}

			ini.buf.WriteByte(c)
			if ini.isspace(c) {
				trailingSpace++
			} else {
				trailingSpace = 0
			}

		case prsComment:
		}
	}

	ini.buf.Truncate(ini.buf.Len() - trailingSpace)

	return c, ini.buf.String(), nil
}

// getc returns the next character from the input file.
func (ini *IniFile) getc() (byte, error) {
	c, err := ini.reader.ReadByte()
	if c == '\n' {
		ini.line++
	}
	return c, err
}

// getcNonSpace returns the next non-space character from the input file.
func (ini *IniFile) getcNonSpace() (byte, error) {
	for {
		c, err := ini.getc()
		if err != nil || !ini.isspace(c) {
			return c, err
		}
	}
}

// getcNl reads until the next newline, EOF, or error.
func (ini *IniFile) getcNl() (byte, error) {
	for {
		c, err := ini.getc()
		if err != nil || c == '\n' {
			return c, err
		}
	}
}

// ungetc pushes a character back to the input stream; only one
// character can be unread this way.
func (ini *IniFile) ungetc(c byte) {
	if c == '\n' {
		ini.line--
	}
	ini.reader.UnreadByte()
}

func (ini *IniFile) isspace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r':
		return true
	}
	return false
}

func (ini *IniFile) iscomment(c byte) bool {
	return c == ';' || c == '#'
}

// errorf creates a new IniError anchored at the record currently being
// parsed.
func (ini *IniFile) errorf(format string, args ...interface{}) *IniError {
	return &IniError{
		File:    ini.rec.File,
		Line:    ini.rec.Line,
		Message: fmt.Sprintf(format, args...),
	}
}

// LoadUint loads an unsigned integer value. The destination remains
// untouched in case of an error.
func (rec *IniRecord) LoadUint(out *uint) error {
	num, err := strconv.ParseUint(rec.Value, 10, 0)
	if err != nil {
		return rec.errBadValue("%q: invalid number", rec.Value)
	}

	*out = uint(num)
	return nil
}

// LoadLogLevel loads a LogLevel value, a comma-separated list of level
// names. The destination remains untouched in case of an error.
func (rec *IniRecord) LoadLogLevel(out *LogLevel) error {
	var mask LogLevel

	for _, s := range strings.Split(rec.Value, ",") {
		s = strings.TrimSpace(s)
		switch s {
		case "":
		case "error":
			mask |= LogError
		case "info":
			mask |= LogInfo | LogError
		case "debug":
			mask |= LogDebug | LogInfo | LogError
		case "trace-usb":
			mask |= LogTraceUsb | LogDebug | LogInfo | LogError
		case "trace-dfu":
			mask |= LogTraceDfu | LogDebug | LogInfo | LogError
		case "all", "trace-all":
			mask |= LogAll
		default:
			return rec.errBadValue("invalid log level %q", s)
		}
	}

	*out = mask
	return nil
}

// errBadValue creates a "bad value" error related to the INI record.
func (rec *IniRecord) errBadValue(format string, args ...interface{}) error {
	return fmt.Errorf(rec.Key+": "+format, args...)
}

// Error implements the error interface for IniError.
func (err *IniError) Error() string {
	return fmt.Sprintf("%s:%d: %s", err.File, err.Line, err.Message)
}
