package browser

import (
	"github.com/go-rod/rod/lib/proto"

	"github.com/use-agent/fusion/lifecycle"
)

// classToProto maps resource classes to Rod protocol resource types.
// SubFrame has no resource type of its own; it is a Document request issued
// by a frame other than the tab's main frame.
var classToProto = map[lifecycle.ResourceClass]proto.NetworkResourceType{
	lifecycle.ResourceImage:      proto.NetworkResourceTypeImage,
	lifecycle.ResourceStylesheet: proto.NetworkResourceTypeStylesheet,
	lifecycle.ResourceFont:       proto.NetworkResourceTypeFont,
	lifecycle.ResourceMedia:      proto.NetworkResourceTypeMedia,
}

type blocker struct {
	types     map[proto.NetworkResourceType]struct{}
	subframes bool
}

func newBlocker(classes []lifecycle.ResourceClass) blocker {
	b := blocker{types: make(map[proto.NetworkResourceType]struct{}, len(classes))}
	for _, c := range classes {
		if c == lifecycle.ResourceSubFrame {
			b.subframes = true
			continue
		}
		if rt, ok := classToProto[c]; ok {
			b.types[rt] = struct{}{}
		}
	}
	return b
}

func (b blocker) empty() bool { return len(b.types) == 0 && !b.subframes }

// isSubFrame reports whether a request came from a frame other than the
// tab's main frame.
func isSubFrame(frame, mainFrame proto.PageFrameID) bool {
	return frame != "" && frame != mainFrame
}

func (b blocker) blocks(rt proto.NetworkResourceType, subframe bool) bool {
	if _, ok := b.types[rt]; ok {
		return true
	}
	return b.subframes && subframe && rt == proto.NetworkResourceTypeDocument
}

// ParseClasses converts configured names to resource classes, skipping
// unknown names.
func ParseClasses(names []string) []lifecycle.ResourceClass {
	out := make([]lifecycle.ResourceClass, 0, len(names))
	for _, n := range names {
		c := lifecycle.ResourceClass(n)
		if _, ok := classToProto[c]; ok || c == lifecycle.ResourceSubFrame {
			out = append(out, c)
		}
	}
	return out
}
