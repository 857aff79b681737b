package cluster

import "strconv"

// Key prefixes and builders for the cluster store layout of spec §4.8
// and §6, rooted under a configurable prefix (default "/vitastor").
const (
	prefixConfig    = "/config/"
	prefixOSDState  = "/osd/state/"
	prefixPGState   = "/pg/state/"
	prefixPGHistory = "/pg/history/"

	keyGlobalConfig = "/config/global"
	keyPGsConfig    = "/config/pgs"
)

func withPrefix(root, key string) string { return root + key }

func osdStateKey(root string, osdNum uint64) string {
	return root + prefixOSDState + strconv.FormatUint(osdNum, 10)
}

func pgStateKey(root string, pgNum uint64) string {
	return root + prefixPGState + strconv.FormatUint(pgNum, 10)
}

func pgHistoryKey(root string, pgNum uint64) string {
	return root + prefixPGHistory + strconv.FormatUint(pgNum, 10)
}

// prefixKind classifies a full key (with root already stripped) into
// which of the four watched prefixes it belongs to, for the watch
// dispatcher.
type prefixKind uint8

const (
	prefixKindUnknown prefixKind = iota
	prefixKindConfig
	prefixKindOSDState
	prefixKindPGState
	prefixKindPGHistory
)

func classify(key string) prefixKind {
	switch {
	case hasPrefix(key, prefixConfig):
		return prefixKindConfig
	case hasPrefix(key, prefixOSDState):
		return prefixKindOSDState
	case hasPrefix(key, prefixPGState):
		return prefixKindPGState
	case hasPrefix(key, prefixPGHistory):
		return prefixKindPGHistory
	default:
		return prefixKindUnknown
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
