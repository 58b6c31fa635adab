// Package bundle holds the application metadata consumed by process matching
// and the provider interface used to look it up.
package bundle

import (
	"errors"
	"regexp"
)

// BaseUserRange is the number of uids reserved per user.
const BaseUserRange = 200000

// UserID returns the user that owns uid.
func UserID(uid int) int { return uid / BaseUserRange }

type Type int

const (
	TypeApp Type = iota
	TypeAtomicService
	TypeShared
	TypeAppPlugin
)

func (t Type) String() string {
	switch t {
	case TypeApp:
		return "app"
	case TypeAtomicService:
		return "atomic_service"
	case TypeShared:
		return "shared"
	case TypeAppPlugin:
		return "app_plugin"
	default:
		return "unknown"
	}
}

// ParseType maps a config string to a Type; unknown strings are TypeApp.
func ParseType(s string) Type {
	for t := TypeApp; t <= TypeAppPlugin; t++ {
		if t.String() == s {
			return t
		}
	}
	return TypeApp
}

// AppInfo describes one application hosted by a process.
type AppInfo struct {
	Name          string `json:"name"`
	BundleName    string `json:"bundle_name"`
	UID           int    `json:"uid"`
	Type          Type   `json:"type"`
	AppIndex      int    `json:"app_index"`
	AccessTokenID uint32 `json:"access_token_id"`
	KeepAlive     bool   `json:"keep_alive"`
	Launcher      bool   `json:"launcher"`
}

// BundleInfo is the installed-package view used when creating and matching
// process records.
type BundleInfo struct {
	Name          string `json:"name"`
	AppID         string `json:"app_id"`
	AppIdentifier string `json:"app_identifier"`
	JointUserID   string `json:"joint_user_id"`
	Singleton     bool   `json:"singleton"`
	KeepAlive     bool   `json:"keep_alive"`
	StageModel    bool   `json:"stage_model"`
	UID           int    `json:"uid"`
	// Command starts the bundle's application process in WorkDir with Env
	// added to the daemon environment.
	Command string   `json:"command"`
	WorkDir string   `json:"work_dir"`
	Env     []string `json:"env,omitempty"`
	App     AppInfo  `json:"app"`
}

var signPrefix = regexp.MustCompile(`[a-zA-Z.]+[-_#]{1}`)

// SignCode derives the signing identity from an app id by cutting out the
// first "<bundle><separator>" run. It is empty when the id has no such run.
func SignCode(appID string) string {
	loc := signPrefix.FindStringIndex(appID)
	if loc == nil {
		return ""
	}
	return appID[:loc[0]] + appID[loc[1]:]
}

var ErrNotFound = errors.New("bundle: not found")

// Provider looks up installed bundle metadata.
type Provider interface {
	GetApplicationInfo(name string, userID int) (*AppInfo, error)
	GetBundleInfo(name string, flags int, userID int) (BundleInfo, error)
}
