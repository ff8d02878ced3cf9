package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys lists the valid keys of every section.
var knownKeys = map[string][]string{
	"backend":      {"api_key", "request_timeout", "requests_per_second", "url"},
	"sync":         {"auto_sync", "force_offline", "max_retries", "pass_timeout", "schedule", "shutdown_timeout"},
	"connectivity": {"health_path", "poll_interval", "probe", "realtime_path"},
	"storage":      {"cache_ttl", "db_path"},
	"logging":      {"log_file", "log_format", "log_level", "log_retention_days"},
}

// knownSections is the sorted list of section names, for deterministic
// suggestions when two candidates have the same edit distance.
var knownSections = func() []string {
	keys := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	var errs []error

	reported := make(map[string]bool)

	for _, key := range undecoded {
		if len(key) == 0 {
			continue
		}

		section := key[0]

		known, ok := knownKeys[section]
		if !ok {
			// An unknown table yields one entry per key inside it; report the
			// table once.
			if reported[section] {
				continue
			}

			reported[section] = true
			errs = append(errs, unknownKeyError("section", section, "", knownSections))

			continue
		}

		if len(key) == 1 {
			errs = append(errs, fmt.Errorf("config key %q must be a [%s] table", section, section))
			continue
		}

		errs = append(errs, unknownKeyError("key", key[1], section, known))
	}

	return errors.Join(errs...)
}

func unknownKeyError(kind, name, section string, known []string) error {
	where := ""
	if section != "" {
		where = fmt.Sprintf(" in [%s]", section)
	}

	if suggestion := closestMatch(name, known); suggestion != "" {
		return fmt.Errorf("unknown config %s %q%s, did you mean %q?", kind, name, where, suggestion)
	}

	return fmt.Errorf("unknown config %s %q%s (valid: %s)", kind, name, where, strings.Join(known, ", "))
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
