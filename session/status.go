package session

import "time"

// RepoStatus is the state of the local copy relative to the repository.
type RepoStatus uint8

const (
	// StatusNotLoaded means cleared or never loaded, not locked. Attributes are only
	// trustworthy in sticky deployments.
	StatusNotLoaded RepoStatus = iota
	// StatusForegroundLock means loaded and locked by a request-scoped lock.
	StatusForegroundLock
	// StatusBackgroundLock means loaded and locked by housekeeping.
	StatusBackgroundLock
	// StatusNotExists means the repository confirmed the session is absent. It is the
	// only status trusted as real expiration.
	StatusNotExists
	// StatusAlreadyLocked means a lock attempt was rejected because another node holds it.
	StatusAlreadyLocked
	// StatusError means the last remote operation failed or a reload was forced.
	StatusError
)

// IsLocked reports whether the status is one of the two lock states.
func (s RepoStatus) IsLocked() bool {
	return s == StatusForegroundLock || s == StatusBackgroundLock
}

// IsSuccess reports whether a load ended in a usable state: read without a lock or
// read and locked.
func (s RepoStatus) IsSuccess() bool {
	return s == StatusNotLoaded || s.IsLocked()
}

func (s RepoStatus) String() string {
	switch s {
	case StatusNotLoaded:
		return "NOT_LOADED"
	case StatusForegroundLock:
		return "FOREGROUND_LOCK"
	case StatusBackgroundLock:
		return "BACKGROUND_LOCK"
	case StatusNotExists:
		return "NOT_EXISTS"
	case StatusAlreadyLocked:
		return "ALREADY_LOCKED"
	case StatusError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// AccessStatus tracks what persistence the session needs when it is released.
type AccessStatus uint8

const (
	// AccessClean means neither accessed nor modified since the last release.
	AccessClean AccessStatus = iota
	// AccessAccessed means touched but not modified.
	AccessAccessed
	// AccessDirty means modified, or possibly modified through a returned composite.
	AccessDirty
)

func (a AccessStatus) String() string {
	switch a {
	case AccessClean:
		return "CLEAN"
	case AccessAccessed:
		return "ACCESSED"
	case AccessDirty:
		return "DIRTY"
	default:
		return "UNKNOWN"
	}
}

// LockMode is the lock requested from the repository on load.
type LockMode uint8

const (
	LockNone LockMode = iota
	LockForeground
	LockBackground
)

func (m LockMode) String() string {
	switch m {
	case LockForeground:
		return "foreground"
	case LockBackground:
		return "background"
	default:
		return "none"
	}
}

// Status returns the repository status a successful load with this mode yields.
func (m LockMode) Status() RepoStatus {
	switch m {
	case LockForeground:
		return StatusForegroundLock
	case LockBackground:
		return StatusBackgroundLock
	default:
		return StatusNotLoaded
	}
}

func lockModeFor(target RepoStatus) LockMode {
	switch target {
	case StatusForegroundLock:
		return LockForeground
	case StatusBackgroundLock:
		return LockBackground
	default:
		return LockNone
	}
}

// Action is the persistence step taken when a lock is released.
type Action uint8

const (
	// ActionNone dispatches nothing.
	ActionNone Action = iota
	// ActionSave dispatches a conditional save that also releases the lock.
	ActionSave
	// ActionTouch refreshes the repository expiry only (sticky deployments).
	ActionTouch
	// ActionTouchThenUnlock fires an untracked touch followed by a tracked unlock.
	// The repository has no combined touch-and-unlock primitive, so two calls are made.
	ActionTouchThenUnlock
	// ActionUnlock releases the lock without writing.
	ActionUnlock
)

func (a Action) String() string {
	switch a {
	case ActionSave:
		return "save"
	case ActionTouch:
		return "touch"
	case ActionTouchThenUnlock:
		return "touch+unlock"
	case ActionUnlock:
		return "unlock"
	default:
		return "none"
	}
}

// NextAction decides what a release must send to the repository.
//
// sinceRepoAccess is the local access time minus the access time the repository
// last stored. An ACCESSED session that has only been touched for at least
// maxAccessTimeNotSaving is saved in full so the stored timestamps do not drift.
func NextAction(repo RepoStatus, access AccessStatus, sinceRepoAccess, maxAccessTimeNotSaving time.Duration, sticky bool) Action {
	if !repo.IsLocked() {
		return ActionNone
	}
	if access == AccessDirty || (access == AccessAccessed && sinceRepoAccess >= maxAccessTimeNotSaving) {
		return ActionSave
	}
	if sticky {
		if access == AccessAccessed {
			return ActionTouch
		}
		return ActionNone
	}
	if access == AccessAccessed {
		return ActionTouchThenUnlock
	}
	return ActionUnlock
}
