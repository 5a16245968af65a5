package collab

import (
	"sync"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// reads the expiry from the token's `exp` claim without verifying the
// signature. Verification happens on the host; the client only needs the
// expiry to schedule refresh warnings.
func TokenExpiryFromJwt(token string) time.Time {
	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return time.Time{}
	}
	expiresAt, err := parsed.Claims.GetExpirationTime()
	if err != nil || expiresAt == nil {
		return time.Time{}
	}
	return expiresAt.Time
}

type TokenMonitorSettings struct {
	// poll interval for expiry checks
	CheckInterval time.Duration
	// fire the expiring callback when remaining drops below this
	RefreshBuffer time.Duration
	// re-arm the callbacks when remaining rises back above this
	WarnThreshold time.Duration
}

func DefaultTokenMonitorSettings() *TokenMonitorSettings {
	return &TokenMonitorSettings{
		CheckInterval: 60 * time.Second,
		RefreshBuffer: 5 * time.Minute,
		WarnThreshold: 10 * time.Minute,
	}
}

// polls token time remaining while the connection is authenticated and fires
// each of the expiring/expired callbacks at most once per token lifetime.
// the once flags re-arm when remaining rises above the warn threshold, which
// is what prevents notification storms around the boundaries.
type TokenMonitor struct {
	settings *TokenMonitorSettings

	// whether callbacks may fire at all
	authenticated func() bool
	// remaining time, and whether the token carries an expiry
	remaining func() (time.Duration, bool)

	stateLock sync.Mutex
	warned    bool
	expired   bool
	stop      chan struct{}

	expiringCallbacks *CallbackList[func()]
	expiredCallbacks  *CallbackList[func()]
}

func NewTokenMonitor(
	settings *TokenMonitorSettings,
	authenticated func() bool,
	remaining func() (time.Duration, bool),
) *TokenMonitor {
	return &TokenMonitor{
		settings:          settings,
		authenticated:     authenticated,
		remaining:         remaining,
		expiringCallbacks: NewCallbackList[func()](),
		expiredCallbacks:  NewCallbackList[func()](),
	}
}

func (self *TokenMonitor) AddExpiringCallback(callback func()) func() {
	callbackId := self.expiringCallbacks.Add(callback)
	return func() {
		self.expiringCallbacks.Remove(callbackId)
	}
}

func (self *TokenMonitor) AddExpiredCallback(callback func()) func() {
	callbackId := self.expiredCallbacks.Add(callback)
	return func() {
		self.expiredCallbacks.Remove(callbackId)
	}
}

// idempotent. Runs one check synchronously, then polls on the check interval.
func (self *TokenMonitor) Start() {
	started := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.stop != nil {
			return false
		}
		self.stop = make(chan struct{})
		return true
	}()
	if !started {
		return
	}

	self.check()

	stop := self.stop
	go func() {
		ticker := time.NewTicker(self.settings.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				self.check()
			}
		}
	}()
}

// idempotent
func (self *TokenMonitor) Stop() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.stop != nil {
		close(self.stop)
		self.stop = nil
	}
}

func (self *TokenMonitor) IsRunning() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.stop != nil
}

func (self *TokenMonitor) check() {
	if !self.authenticated() {
		return
	}
	remaining, hasExpiry := self.remaining()
	if !hasExpiry {
		return
	}

	var fire *CallbackList[func()]
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.settings.WarnThreshold < remaining {
			// a fresh token was installed, re-arm
			self.warned = false
			self.expired = false
			return
		}
		if remaining <= 0 {
			if !self.expired {
				self.expired = true
				fire = self.expiredCallbacks
			}
			return
		}
		if remaining < self.settings.RefreshBuffer {
			if !self.warned {
				self.warned = true
				fire = self.expiringCallbacks
			}
		}
	}()

	if fire != nil {
		for _, callback := range fire.Get() {
			func() {
				defer recover()
				callback()
			}()
		}
	}
}
