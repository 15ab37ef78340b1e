package mqtt

import "strings"

// Match reports whether topic matches the subscription pattern. Levels are
// separated by "/". A "+" level matches exactly one topic level of any
// value, the empty level included. A "#" level matches every remaining
// level and the parent level itself, and is only meaningful as the final
// level; a pattern with "#" anywhere else matches nothing. All other
// levels compare literally.
func Match(pattern, topic string) bool {
	pl := strings.Split(pattern, "/")
	tl := strings.Split(topic, "/")

	for i, p := range pl {
		if p == "#" {
			return i == len(pl)-1
		}
		if i >= len(tl) {
			return false
		}
		if p == "+" {
			continue
		}
		if p != tl[i] {
			return false
		}
	}
	return len(pl) == len(tl)
}
