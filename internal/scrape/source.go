package scrape

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Source describes where and how to scrape a news site. Kept in a YAML file
// so selectors can be adjusted without a rebuild when the site changes markup.
type Source struct {
	Name           string `yaml:"name"`
	BaseURL        string `yaml:"base_url"`
	ListingURL     string `yaml:"listing_url"`
	ScriptType     string `yaml:"script_type"`
	Marker         string `yaml:"marker"`
	StoryContainer string `yaml:"story_container"`
}

// DefaultSource targets the TradingView crypto market-news listing.
func DefaultSource() Source {
	return Source{
		Name:           "tradingview",
		BaseURL:        "https://www.tradingview.com",
		ListingURL:     "https://www.tradingview.com/news/markets/?category=crypto",
		ScriptType:     "application/prs.init-data+json",
		Marker:         `{"title":"Market news"`,
		StoryContainer: "div.js-news-story-container",
	}
}

// LoadSource reads a Source definition from a YAML file. A missing file is
// not an error: the default source is returned so a bare checkout works.
func LoadSource(path string) (Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultSource(), nil
		}
		return Source{}, eris.Wrapf(err, "scrape: read sources file %s", path)
	}

	src := DefaultSource()
	if err := yaml.Unmarshal(data, &src); err != nil {
		return Source{}, eris.Wrapf(err, "scrape: parse sources file %s", path)
	}
	return src, nil
}
