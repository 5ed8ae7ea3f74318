package config

import (
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/ini.v1"
)

// Configuration is the INI-sourced service configuration.
type Configuration struct {
	PrimaryAPIKey   string
	SecondaryAPIKey string

	// InterestingStops is the default set of stops to report on. May
	// be empty, in which case the whole schedule is loaded.
	InterestingStops []string
}

// Read loads and validates an INI configuration file. API keys live in
// [NTA] or [ApiKeys]; the NTA name predates multi-provider support and
// is kept for compatibility.
func Read(path string) (*Configuration, error) {
	file, err := ini.Load(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %q", path)
	}

	keys, err := file.GetSection("NTA")
	if err != nil {
		keys, err = file.GetSection("ApiKeys")
		if err != nil {
			return nil, errors.Errorf("%q has no [NTA] or [ApiKeys] section", path)
		}
	}

	pri := keys.Key("PrimaryApiKey").String()
	if pri == "" {
		return nil, errors.Errorf("required key PrimaryApiKey missing in %q", path)
	}
	sec := keys.Key("SecondaryApiKey").String()
	if sec == "" {
		return nil, errors.Errorf("required key SecondaryApiKey missing in %q", path)
	}

	var stops []string
	if upcoming, err := file.GetSection("Upcoming"); err == nil {
		if ids := upcoming.Key("InterestingStopIds").String(); ids != "" {
			for _, id := range strings.Split(ids, ",") {
				stops = append(stops, strings.TrimSpace(id))
			}
		}
	}

	return &Configuration{
		PrimaryAPIKey:    pri,
		SecondaryAPIKey:  sec,
		InterestingStops: stops,
	}, nil
}
