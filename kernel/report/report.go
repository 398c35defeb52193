// Package report aggregates related errors into a single value.
//
// A Report is an arena of frames. Frames refer to the frames they were derived
// from by index, so one cause can be shared by several contexts without any
// frame pointing at another directly.
package report

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// FrameIndex addresses a frame inside a Report
type FrameIndex int

// Attachment is a key/value pair attached to a frame
type Attachment struct {
	Key   string
	Value string
}

// Frame is one node of the report graph
type Frame struct {
	Message     string
	Err         error
	Attachments []Attachment
	Parents     []FrameIndex
}

// Report is an arena of frames. Current frames are the ones new context is
// attached to.
type Report struct {
	frames  []Frame
	current []FrameIndex
}

// New starts a report from err
func New(err error) *Report {
	r := &Report{}
	r.current = []FrameIndex{r.push(Frame{Message: err.Error(), Err: err})}
	return r
}

// Newf starts a report from a formatted message
func Newf(format string, args ...any) *Report {
	return New(fmt.Errorf(format, args...))
}

func (r *Report) push(f Frame) FrameIndex {
	r.frames = append(r.frames, f)
	return FrameIndex(len(r.frames) - 1)
}

// Wrap adds a context frame whose parents are the current frames
func (r *Report) Wrap(msg string) *Report {
	parents := append([]FrameIndex(nil), r.current...)
	r.current = []FrameIndex{r.push(Frame{Message: msg, Parents: parents})}
	return r
}

// Attach adds a key/value attachment to every current frame
func (r *Report) Attach(key string, value any) *Report {
	for _, idx := range r.current {
		r.frames[idx].Attachments = append(r.frames[idx].Attachments, Attachment{
			Key:   key,
			Value: fmt.Sprint(value),
		})
	}
	return r
}

// Extend merges other into r. The frames of other are re-indexed and its
// current frames become current frames of r as well.
func (r *Report) Extend(other *Report) *Report {
	if other == nil {
		return r
	}
	base := FrameIndex(len(r.frames))
	for _, f := range other.frames {
		parents := make([]FrameIndex, len(f.Parents))
		for i, p := range f.Parents {
			parents[i] = p + base
		}
		f.Parents = parents
		f.Attachments = append([]Attachment(nil), f.Attachments...)
		r.frames = append(r.frames, f)
	}
	for _, idx := range other.current {
		r.current = append(r.current, idx+base)
	}
	return r
}

// Add merges err into r, starting a new report if r is nil
func Add(r *Report, err error) *Report {
	if err == nil {
		return r
	}
	var other *Report
	if !errors.As(err, &other) {
		other = New(err)
	}
	if r == nil {
		return (&Report{}).Extend(other)
	}
	return r.Extend(other)
}

// Frames returns the frames of the arena
func (r *Report) Frames() []Frame {
	return r.frames
}

// Frame returns the frame at idx
func (r *Report) Frame(idx FrameIndex) Frame {
	return r.frames[idx]
}

// Current returns the indices of the current frames
func (r *Report) Current() []FrameIndex {
	return r.current
}

// Roots returns the frames that have no parents, in arena order
func (r *Report) Roots() []FrameIndex {
	var roots []FrameIndex
	for i, f := range r.frames {
		if len(f.Parents) == 0 {
			roots = append(roots, FrameIndex(i))
		}
	}
	return roots
}

// Error renders every current frame followed by its chain of causes
func (r *Report) Error() string {
	var b strings.Builder
	for i, idx := range r.current {
		if i > 0 {
			b.WriteString("\n")
		}
		r.render(&b, idx, 0, map[FrameIndex]bool{})
	}
	return b.String()
}

func (r *Report) render(b *strings.Builder, idx FrameIndex, depth int, seen map[FrameIndex]bool) {
	f := r.frames[idx]
	b.WriteString(strings.Repeat("  ", depth))
	if depth > 0 {
		b.WriteString("caused by: ")
	}
	b.WriteString(f.Message)
	if len(f.Attachments) > 0 {
		attrs := make([]string, len(f.Attachments))
		for i, a := range f.Attachments {
			attrs[i] = a.Key + "=" + a.Value
		}
		sort.Strings(attrs)
		b.WriteString(" [" + strings.Join(attrs, " ") + "]")
	}
	if seen[idx] {
		return
	}
	seen[idx] = true
	for _, p := range f.Parents {
		b.WriteString("\n")
		r.render(b, p, depth+1, seen)
	}
}

// Unwrap exposes the source errors of the report to errors.Is and errors.As
func (r *Report) Unwrap() []error {
	var errs []error
	for _, f := range r.frames {
		if f.Err != nil {
			errs = append(errs, f.Err)
		}
	}
	return errs
}

// Len returns the number of frames
func (r *Report) Len() int {
	return len(r.frames)
}
