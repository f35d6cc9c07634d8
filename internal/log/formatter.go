package log

import (
	"fmt"
	"reflect"
	"runtime"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	defaultPattern    = "%time [%level] %caller: %msg %field\n"
	defaultTimeFormat = "2006-01-02 15:04:05.000"
)

type marker struct{}

// selfPackage prefixes every function name in this package; callerFrame skips
// those frames.
var selfPackage = reflect.TypeOf(marker{}).PkgPath() + "."

type formatter struct {
	pattern string
	time    string
}

// Format supports %time, %level, %field, %msg, %caller and %func.
func (f *formatter) Format(entry *logrus.Entry) ([]byte, error) {
	output := f.pattern
	output = strings.Replace(output, "%time", entry.Time.Format(f.time), 1)
	output = strings.Replace(output, "%level", entry.Level.String(), 1)
	output = strings.Replace(output, "%field", buildFields(entry), 1)
	output = strings.Replace(output, "%msg", entry.Message, 1)
	if strings.Contains(output, "%caller") || strings.Contains(output, "%func") {
		frame, ok := callerFrame()
		output = strings.Replace(output, "%caller", formatCaller(frame, ok), 1)
		output = strings.Replace(output, "%func", formatFunc(frame, ok), 1)
	}
	if !strings.HasSuffix(output, "\n") {
		output += "\n"
	}
	return []byte(output), nil
}

// callerFrame returns the first frame outside logrus and this package.
func callerFrame() (runtime.Frame, bool) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(2, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !strings.HasPrefix(frame.Function, "github.com/sirupsen/logrus") &&
			!strings.HasPrefix(frame.Function, selfPackage) {
			return frame, true
		}
		if !more {
			return runtime.Frame{}, false
		}
	}
}

// formatCaller renders package/file.go:line.
func formatCaller(frame runtime.Frame, ok bool) string {
	if !ok {
		return "unknown"
	}
	file := frame.File
	if i := strings.LastIndex(file, "/"); i != -1 {
		file = file[i+1:]
	}
	pkg := frame.Function
	if i := strings.LastIndex(pkg, "/"); i != -1 {
		pkg = pkg[i+1:]
	}
	if i := strings.Index(pkg, "."); i != -1 {
		pkg = pkg[:i]
	}
	return fmt.Sprintf("%s/%s:%d", pkg, file, frame.Line)
}

func formatFunc(frame runtime.Frame, ok bool) string {
	if !ok {
		return "unknown"
	}
	name := frame.Function
	if i := strings.LastIndex(name, "."); i != -1 {
		return name[i+1:]
	}
	return name
}

// buildFields renders fields as key=value pairs sorted by key.
func buildFields(entry *logrus.Entry) string {
	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]string, 0, len(keys))
	for _, k := range keys {
		val, ok := entry.Data[k].(string)
		if !ok {
			val = fmt.Sprint(entry.Data[k])
		}
		fields = append(fields, k+"="+val)
	}
	return strings.Join(fields, ",")
}
