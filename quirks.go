/* particle-iot/usb - host-side control-transfer protocol and DFU client
 * for Particle microcontroller devices
 *
 * Per-device-type quirks: engine behavior overrides keyed by device type
 */

package usb

import (
	"fmt"
	"io"
	"sort"
	"time"
)

// Quirk names. Use these constants instead of literal strings so the
// compiler catches typos.
const (
	QuirkNmMaxActive   = "max-active"
	QuirkNmPollTableMs = "poll-table-ms"
	QuirkNmPollConstMs = "poll-const-ms"
	QuirkNmLogLevel    = "log-level"
)

// quirkParse maps quirk names to the method that parses their raw
// string value into Quirk.Parsed.
var quirkParse = map[string]func(*Quirk) error{
	QuirkNmMaxActive:   (*Quirk).parseUint,
	QuirkNmPollTableMs: (*Quirk).parseUintList,
	QuirkNmPollConstMs: (*Quirk).parseUint,
	QuirkNmLogLevel:    (*Quirk).parseLogLevel,
}

// Quirk is a single parsed key/value pair from a quirks file section.
type Quirk struct {
	Origin   string      // file:line of definition
	Match    string      // device type this quirk applies to ("*" = all)
	Name     string      // quirk name
	RawValue string      // raw (unparsed) value
	Parsed   interface{} // parsed value
}

func (q *Quirk) parseUint() error {
	var v uint
	rec := &IniRecord{Key: q.Name, Value: q.RawValue}
	if err := rec.LoadUint(&v); err != nil {
		return err
	}
	q.Parsed = v
	return nil
}

func (q *Quirk) parseUintList() error {
	var vals []uint
	for _, tok := range splitCommaList(q.RawValue) {
		rec := &IniRecord{Key: q.Name, Value: tok}
		var v uint
		if err := rec.LoadUint(&v); err != nil {
			return err
		}
		vals = append(vals, v)
	}
	if len(vals) == 0 {
		return fmt.Errorf("%s: must not be empty", q.Name)
	}
	q.Parsed = vals
	return nil
}

func (q *Quirk) parseLogLevel() error {
	var lvl LogLevel
	rec := &IniRecord{Key: q.Name, Value: q.RawValue}
	if err := rec.LoadLogLevel(&lvl); err != nil {
		return err
	}
	q.Parsed = lvl
	return nil
}

func splitCommaList(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			tok := trimSpace(s[start:i])
			if tok != "" {
				out = append(out, tok)
			}
			start = i + 1
		}
	}
	return out
}

func trimSpace(s string) string {
	i, j := 0, len(s)
	for i < j && (s[i] == ' ' || s[i] == '\t') {
		i++
	}
	for j > i && (s[j-1] == ' ' || s[j-1] == '\t') {
		j--
	}
	return s[i:j]
}

// DeviceQuirks is the resolved set of engine-behavior overrides for one
// device type. A nil field means "no override; use the engine default."
type DeviceQuirks struct {
	MaxActive     *uint
	PollingPolicy PollingPolicy
	LogLevel      *LogLevel
}

// QuirkTable holds quirks sections loaded from one or more quirks
// files, indexed by the device-type match pattern ("*" for the
// wildcard section applied to every device type).
type QuirkTable struct {
	byMatch map[string][]*Quirk
}

// NewQuirkTable returns an empty QuirkTable.
func NewQuirkTable() *QuirkTable {
	return &QuirkTable{byMatch: make(map[string][]*Quirk)}
}

// LoadQuirksFile parses a quirks file and merges its sections into the
// table. Each section header names a device type (matched against the
// Device Info table's symbolic name) or "*" for a wildcard applied to
// every device type; more specific (non-wildcard) sections win. The
// match is case-sensitive.
//
// File syntax, grounded on the teacher's .INI quirks format:
//
//	[Photon]
//	max-active = 2
//
//	[*]
//	poll-table-ms = 50,50,100,100,250,250,500,500,1000
func (qt *QuirkTable) LoadQuirksFile(path string) error {
	ini, err := OpenIniFileWithRecType(path)
	if err != nil {
		return err
	}
	defer ini.Close()

	section := "*"
	for {
		rec, err := ini.Next()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		if rec.Type == IniRecordSection {
			section = rec.Section
			if section == "" {
				section = "*"
			}
			continue
		}

		parse := quirkParse[rec.Key]
		if parse == nil {
			return fmt.Errorf("%s:%d: unknown quirk %q", rec.File, rec.Line, rec.Key)
		}

		q := &Quirk{
			Origin:   fmt.Sprintf("%s:%d", rec.File, rec.Line),
			Match:    section,
			Name:     rec.Key,
			RawValue: rec.Value,
		}
		if err := parse(q); err != nil {
			return fmt.Errorf("%s:%d: %w", rec.File, rec.Line, err)
		}

		qt.byMatch[section] = append(qt.byMatch[section], q)
	}
}

// Put installs a single quirk programmatically (no file involved),
// e.g. a caller hard-coding a known device's concurrency cap.
func (qt *QuirkTable) Put(deviceType, name string, parsed interface{}) {
	if deviceType == "" {
		deviceType = "*"
	}
	qt.byMatch[deviceType] = append(qt.byMatch[deviceType], &Quirk{
		Origin: "programmatic",
		Match:  deviceType,
		Name:   name,
		Parsed: parsed,
	})
}

// Resolve returns the DeviceQuirks applicable to deviceType: the
// wildcard section's values, overridden field-by-field by the
// device-type-specific section's values, if any.
func (qt *QuirkTable) Resolve(deviceType string) DeviceQuirks {
	if qt == nil {
		return DeviceQuirks{}
	}

	var dq DeviceQuirks
	apply := func(qs []*Quirk) {
		for _, q := range qs {
			switch q.Name {
			case QuirkNmMaxActive:
				v := q.Parsed.(uint)
				dq.MaxActive = &v
			case QuirkNmPollTableMs:
				vals := q.Parsed.([]uint)
				table := make([]int, len(vals))
				for i, v := range vals {
					table[i] = int(v)
				}
				dq.PollingPolicy = tablePollingPolicy(table)
			case QuirkNmPollConstMs:
				ms := q.Parsed.(uint)
				dq.PollingPolicy = ConstantPollingPolicy(time.Duration(ms) * time.Millisecond)
			case QuirkNmLogLevel:
				lvl := q.Parsed.(LogLevel)
				dq.LogLevel = &lvl
			}
		}
	}

	apply(qt.byMatch["*"])
	if deviceType != "" && deviceType != "*" {
		apply(qt.byMatch[deviceType])
	}

	return dq
}

// All returns every loaded quirk, sorted for stable diagnostic output.
func (qt *QuirkTable) All() []*Quirk {
	var all []*Quirk
	for _, qs := range qt.byMatch {
		all = append(all, qs...)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Match != all[j].Match {
			return all[i].Match < all[j].Match
		}
		return all[i].Name < all[j].Name
	})
	return all
}

// tablePollingPolicy implements PollingPolicy over an explicit,
// caller-supplied backoff table, saturating at its last entry.
type tablePollingPolicy []int

func (t tablePollingPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(t) {
		attempt = len(t) - 1
	}
	return time.Duration(t[attempt]) * time.Millisecond
}
