package normalize

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Frame is one parsed stack frame.
type Frame struct {
	Method    string
	File      string
	Line      int
	Framework bool
}

// Location renders file:line, or "" when the frame carries no file.
func (f Frame) Location() string {
	if f.File == "" {
		return ""
	}
	if f.Line > 0 {
		return fmt.Sprintf("%s:%d", f.File, f.Line)
	}
	return f.File
}

var defaultFrameworkPrefixes = []string{
	"system.", "microsoft.", "java.", "javax.", "jdk.", "sun.", "kotlin.",
	"org.springframework.", "org.apache.", "org.hibernate.", "io.netty.",
	"runtime.", "net/http.", "reflect.", "testing.", "google.golang.org/grpc.",
	"django.", "flask.", "werkzeug.", "asyncio.", "threading.",
}

var (
	// at com.acme.Foo.bar(Foo.java:42) / at Acme.Orders.Service.Place(Order o) in C:\src\Service.cs:line 12
	atFramePattern    = regexp.MustCompile(`^at\s+([^\s(]+)\s*(?:\(([^)]*)\))?(?:\s+in\s+(.+?):line\s+(\d+))?`)
	javaSourcePattern = regexp.MustCompile(`^([\w$.-]+):(\d+)$`)
	// File "/srv/app/orders.py", line 12, in place_order
	pythonFramePattern = regexp.MustCompile(`^File\s+"([^"]+)",\s+line\s+(\d+),\s+in\s+(\S+)`)
	// github.com/acme/orders.(*Service).Place(0xc000010000)
	goFramePattern    = regexp.MustCompile(`^((?:[\w.\-]+/)*[\w.\-]+\.(?:\(\*?[\w]+\)\.)?[\w]+)\(.*\)$`)
	goLocationPattern = regexp.MustCompile(`^(\S+\.go):(\d+)`)
)

// ExtractFrames parses .NET, Java, Go and Python stack traces.
func (n *Normalizer) ExtractFrames(stackTrace string) []Frame {
	if strings.TrimSpace(stackTrace) == "" {
		return nil
	}
	lines := strings.Split(stackTrace, "\n")
	frames := make([]Frame, 0, len(lines))
	for i := 0; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if m := atFramePattern.FindStringSubmatch(line); m != nil {
			frame := Frame{Method: stripGenerics(m[1])}
			if m[3] != "" {
				frame.File = m[3]
				frame.Line, _ = strconv.Atoi(m[4])
			} else if src := javaSourcePattern.FindStringSubmatch(m[2]); src != nil {
				frame.File = src[1]
				frame.Line, _ = strconv.Atoi(src[2])
			}
			frame.Framework = n.isFramework(frame.Method, frame.File)
			frames = append(frames, frame)
			continue
		}
		if m := pythonFramePattern.FindStringSubmatch(line); m != nil {
			frame := Frame{File: m[1], Method: pythonQualifiedName(m[1], m[3])}
			frame.Line, _ = strconv.Atoi(m[2])
			frame.Framework = n.isFramework(frame.Method, frame.File)
			frames = append(frames, frame)
			continue
		}
		// Go frames are only trusted when followed by their file:line row.
		if m := goFramePattern.FindStringSubmatch(line); m != nil && i+1 < len(lines) {
			loc := goLocationPattern.FindStringSubmatch(strings.TrimSpace(lines[i+1]))
			if loc == nil {
				continue
			}
			frame := Frame{Method: m[1], File: loc[1]}
			frame.Line, _ = strconv.Atoi(loc[2])
			frame.Framework = n.isFramework(frame.Method, frame.File)
			frames = append(frames, frame)
			i++
		}
	}
	return frames
}

// KeyFrames returns up to MaxKeyFrames bare method names, application frames first.
func (n *Normalizer) KeyFrames(stackTrace string) []string {
	frames := n.ExtractFrames(stackTrace)
	if len(frames) == 0 {
		return nil
	}
	ordered := make([]Frame, 0, len(frames))
	for _, f := range frames {
		if !f.Framework {
			ordered = append(ordered, f)
		}
	}
	for _, f := range frames {
		if f.Framework {
			ordered = append(ordered, f)
		}
	}

	out := make([]string, 0, n.opts.MaxKeyFrames)
	seen := make(map[string]struct{}, n.opts.MaxKeyFrames)
	for _, f := range ordered {
		name := strings.ToLower(f.Method)
		if _, ok := seen[name]; ok || name == "" {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
		if len(out) == n.opts.MaxKeyFrames {
			break
		}
	}
	return out
}

// ExtractCodeLocations returns file:line locations of application frames, in
// stack order and without duplicates.
func (n *Normalizer) ExtractCodeLocations(stackTrace string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, f := range n.ExtractFrames(stackTrace) {
		loc := f.Location()
		if f.Framework || loc == "" {
			continue
		}
		if _, ok := seen[loc]; ok {
			continue
		}
		seen[loc] = struct{}{}
		out = append(out, loc)
	}
	return out
}

func (n *Normalizer) isFramework(method, file string) bool {
	lower := strings.ToLower(method)
	if len(n.opts.AppNamespaces) > 0 {
		for _, ns := range n.opts.AppNamespaces {
			if strings.HasPrefix(lower, strings.ToLower(ns)) {
				return false
			}
		}
		return true
	}
	if strings.Contains(file, "site-packages") || strings.Contains(file, "/lib/python") || strings.Contains(file, "/usr/local/go/src/") {
		return true
	}
	for _, prefix := range n.framework {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

var genericMarkers = regexp.MustCompile("`\\d+|<[^>]*>|\\[[^\\]]*\\]")

// stripGenerics removes generic arity markers such as `1 and <T> from .NET names.
func stripGenerics(name string) string {
	return genericMarkers.ReplaceAllString(name, "")
}

func pythonQualifiedName(file, fn string) string {
	module := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	if module == "" {
		return fn
	}
	return module + "." + fn
}
