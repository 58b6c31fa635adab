// Package ability models the target abilities that connections and calls
// bind to, and the directory that owns them by id.
package ability

import "strings"

type Type int

const (
	TypeUnknown Type = iota
	TypePage
	TypeService
	TypeData
	TypeExtension
)

type ExtensionType int

const (
	ExtensionUnspecified ExtensionType = iota
	ExtensionService
	ExtensionDataShare
	ExtensionUIService
	ExtensionSysCommonUI
	ExtensionUI
)

func (e ExtensionType) String() string {
	switch e {
	case ExtensionService:
		return "service"
	case ExtensionDataShare:
		return "datashare"
	case ExtensionUIService:
		return "ui_service"
	case ExtensionSysCommonUI:
		return "sys_common_ui"
	case ExtensionUI:
		return "ui"
	default:
		return "unspecified"
	}
}

// ParseExtensionType maps a config string to an ExtensionType.
func ParseExtensionType(s string) ExtensionType {
	for e := ExtensionService; e <= ExtensionUI; e++ {
		if e.String() == s {
			return e
		}
	}
	return ExtensionUnspecified
}

type LaunchMode int

const (
	LaunchSingleton LaunchMode = iota
	LaunchStandard
	LaunchSpecified
)

// Element names an ability across devices.
type Element struct {
	DeviceID    string `json:"device_id,omitempty"`
	BundleName  string `json:"bundle_name"`
	ModuleName  string `json:"module_name,omitempty"`
	AbilityName string `json:"ability_name"`
}

// URI renders the element as "device/bundle/module/ability".
func (e Element) URI() string {
	return strings.Join([]string{e.DeviceID, e.BundleName, e.ModuleName, e.AbilityName}, "/")
}

func (e Element) String() string { return e.URI() }

// Info is the static description of an ability.
type Info struct {
	Name          string        `json:"name"`
	BundleName    string        `json:"bundle_name"`
	ModuleName    string        `json:"module_name"`
	DeviceID      string        `json:"device_id,omitempty"`
	ProcessName   string        `json:"process_name"`
	Type          Type          `json:"type"`
	ExtensionType ExtensionType `json:"extension_type"`
	LaunchMode    LaunchMode    `json:"launch_mode"`
}

func (i Info) Element() Element {
	return Element{DeviceID: i.DeviceID, BundleName: i.BundleName, ModuleName: i.ModuleName, AbilityName: i.Name}
}

// State is the lifecycle state of a loaded ability.
type State int

const (
	StateInitial State = iota
	StateInactive
	StateActive
	StateInactivating
	StateActivating
	StateForeground
	StateForegrounding
	StateBackground
	StateBackgrounding
	StateTerminating
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "INITIAL"
	case StateInactive:
		return "INACTIVE"
	case StateActive:
		return "ACTIVE"
	case StateInactivating:
		return "INACTIVATING"
	case StateActivating:
		return "ACTIVATING"
	case StateForeground:
		return "FOREGROUND"
	case StateForegrounding:
		return "FOREGROUNDING"
	case StateBackground:
		return "BACKGROUND"
	case StateBackgrounding:
		return "BACKGROUNDING"
	case StateTerminating:
		return "TERMINATING"
	default:
		return "UNKNOWN"
	}
}
