// internal/models/trigger.go
package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// TriggerKind is the serialized discriminator of a Trigger.
type TriggerKind string

const (
	KindTime      TriggerKind = "time"
	KindActivity  TriggerKind = "activity"
	KindCoalesced TriggerKind = "time+activity"
	KindManual    TriggerKind = "manual"
	KindEmergency TriggerKind = "emergency"
	KindRecovery  TriggerKind = "recovery"
)

// Trigger is the condition that caused a checkpoint. The set of variants is closed:
// only types in this package implement it.
type Trigger interface {
	Kind() TriggerKind
	isTrigger()
}

// TimeElapsed fires when the auto-checkpoint interval has passed while the session
// was active.
type TimeElapsed struct {
	Elapsed time.Duration
}

// FilesChanged fires when enough distinct files changed since the last checkpoint.
type FilesChanged struct {
	Paths []string
}

// Coalesced is used when the time and activity triggers fire together.
type Coalesced struct {
	Elapsed time.Duration
	Paths   []string
}

// Manual is an explicit caller request.
type Manual struct {
	Description string
}

// Emergency signals an imminent resource or context limit.
type Emergency struct {
	Reason string
}

// Restored marks the checkpoint taken right after a recovery.
type Restored struct {
	Source string
}

func (TimeElapsed) Kind() TriggerKind  { return KindTime }
func (FilesChanged) Kind() TriggerKind { return KindActivity }
func (Coalesced) Kind() TriggerKind    { return KindCoalesced }
func (Manual) Kind() TriggerKind       { return KindManual }
func (Emergency) Kind() TriggerKind    { return KindEmergency }
func (Restored) Kind() TriggerKind     { return KindRecovery }

func (TimeElapsed) isTrigger()  {}
func (FilesChanged) isTrigger() {}
func (Coalesced) isTrigger()    {}
func (Manual) isTrigger()       {}
func (Emergency) isTrigger()    {}
func (Restored) isTrigger()     {}

// TypeFor returns the checkpoint type a trigger produces.
func TypeFor(t Trigger) Type {
	switch t.(type) {
	case TimeElapsed, FilesChanged, Coalesced:
		return TypeAuto
	case Manual:
		return TypeManual
	case Emergency:
		return TypeEmergency
	case Restored:
		return TypeRecovery
	}
	panic(fmt.Sprintf("unhandled trigger %T", t))
}

// Describe returns the default human-readable description for a trigger.
func Describe(t Trigger) string {
	switch v := t.(type) {
	case TimeElapsed:
		return fmt.Sprintf("Automatic checkpoint (%s since last checkpoint)", v.Elapsed.Round(time.Second))
	case FilesChanged:
		return fmt.Sprintf("Automatic checkpoint (%d files changed)", len(v.Paths))
	case Coalesced:
		return fmt.Sprintf("Automatic checkpoint (%s elapsed, %d files changed)", v.Elapsed.Round(time.Second), len(v.Paths))
	case Manual:
		return v.Description
	case Emergency:
		return "Emergency checkpoint: " + v.Reason
	case Restored:
		return "Recovered from " + v.Source
	}
	panic(fmt.Sprintf("unhandled trigger %T", t))
}

// TriggerRecord is the persisted form of a Trigger.
type TriggerRecord struct {
	Kind           TriggerKind `json:"kind"`
	Detail         string      `json:"detail,omitempty"`
	Files          []string    `json:"files,omitempty"`
	ElapsedSeconds int64       `json:"elapsed_seconds,omitempty"`
	Source         string      `json:"source_checkpoint_id,omitempty"`
}

// RecordOf converts a trigger to its persisted form.
func RecordOf(t Trigger) TriggerRecord {
	switch v := t.(type) {
	case TimeElapsed:
		return TriggerRecord{Kind: KindTime, ElapsedSeconds: int64(v.Elapsed / time.Second)}
	case FilesChanged:
		return TriggerRecord{Kind: KindActivity, Files: sortedCopy(v.Paths)}
	case Coalesced:
		return TriggerRecord{Kind: KindCoalesced, Files: sortedCopy(v.Paths), ElapsedSeconds: int64(v.Elapsed / time.Second)}
	case Manual:
		return TriggerRecord{Kind: KindManual, Detail: v.Description}
	case Emergency:
		return TriggerRecord{Kind: KindEmergency, Detail: v.Reason}
	case Restored:
		return TriggerRecord{Kind: KindRecovery, Source: v.Source}
	}
	panic(fmt.Sprintf("unhandled trigger %T", t))
}

// TriggerFromRecord decodes a persisted trigger.
func TriggerFromRecord(r TriggerRecord) (Trigger, error) {
	elapsed := time.Duration(r.ElapsedSeconds) * time.Second
	switch r.Kind {
	case KindTime:
		return TimeElapsed{Elapsed: elapsed}, nil
	case KindActivity:
		return FilesChanged{Paths: sortedCopy(r.Files)}, nil
	case KindCoalesced:
		return Coalesced{Elapsed: elapsed, Paths: sortedCopy(r.Files)}, nil
	case KindManual:
		return Manual{Description: r.Detail}, nil
	case KindEmergency:
		return Emergency{Reason: r.Detail}, nil
	case KindRecovery:
		return Restored{Source: r.Source}, nil
	}
	return nil, fmt.Errorf("unknown trigger kind %q", r.Kind)
}

// ParseType parses a checkpoint type name case-insensitively.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown checkpoint type %q", s)
	}
	return t, nil
}

func sortedCopy(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
