package routes

import (
	"sort"

	"github.com/eternlty/offline-cache/internal/preset"
)

type presetPayload struct {
	Key               string   `json:"key"`
	Description       string   `json:"description"`
	InstallPolicy     string   `json:"install_policy"`
	CoreFiles         []string `json:"core_files"`
	OptionalFiles     []string `json:"optional_files,omitempty"`
	CacheablePatterns []string `json:"cacheable_patterns"`
	IgnorePatterns    []string `json:"ignore_patterns"`
	OfflinePage       string   `json:"offline_page,omitempty"`
	Default           bool     `json:"default"`
}

func encodePresets() []presetPayload {
	return encodePresetList(preset.List())
}

func encodePresetList(presets []preset.Metadata) []presetPayload {
	if len(presets) == 0 {
		return nil
	}
	sort.Slice(presets, func(i, j int) bool {
		return presets[i].Key < presets[j].Key
	})
	result := make([]presetPayload, 0, len(presets))
	for _, meta := range presets {
		profile := meta.Profile
		result = append(result, presetPayload{
			Key:               meta.Key,
			Description:       meta.Description,
			InstallPolicy:     string(profile.InstallPolicy),
			CoreFiles:         append([]string(nil), profile.CoreFiles...),
			OptionalFiles:     append([]string(nil), profile.OptionalFiles...),
			CacheablePatterns: append([]string(nil), profile.CacheablePatterns...),
			IgnorePatterns:    append([]string(nil), profile.IgnorePatterns...),
			OfflinePage:       profile.OfflinePage,
			Default:           meta.Key == preset.DefaultKey(),
		})
	}
	return result
}
