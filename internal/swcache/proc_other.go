//go:build !linux

package swcache

func processRSSBytes() (rssBytes uint64, ok bool) {
	return 0, false
}
