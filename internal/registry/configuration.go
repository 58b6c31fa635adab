package registry

import "maps"

// Well-known configuration items.
const (
	ConfigColorMode = "system.colorMode"
	ConfigLanguage  = "system.language"
	ConfigFontScale = "system.fontSizeScale"
)

// Configuration is a set of system configuration items keyed by name.
type Configuration map[string]string

// Diff returns the items of next that differ from c.
func (c Configuration) Diff(next Configuration) Configuration {
	out := Configuration{}
	for k, v := range next {
		if cur, ok := c[k]; !ok || cur != v {
			out[k] = v
		}
	}
	return out
}

// Merge overwrites c with every item of d and returns c.
func (c Configuration) Merge(d Configuration) Configuration {
	if c == nil {
		c = Configuration{}
	}
	maps.Copy(c, d)
	return c
}

func (c Configuration) Clone() Configuration {
	if c == nil {
		return nil
	}
	return maps.Clone(c)
}
