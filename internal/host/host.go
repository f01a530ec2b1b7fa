// Package host describes what the sync engine needs from the environment that owns
// the worlds.
package host

// Registry is implemented by the world host. All calls are made from the scheduler's
// main context.
type Registry interface {
	// LoadedWorlds lists the currently loaded worlds in the host's order.
	LoadedWorlds() []string
	// DayCycleEnabled reports the world's daylight-cycle rule; known is false when the
	// host cannot tell.
	DayCycleEnabled(world string) (enabled bool, known bool)
	WeatherCycleEnabled(world string) (enabled bool, known bool)

	SetFullTime(world string, ticks int64)
	SetStorm(world string, on bool)
	SetThundering(world string, on bool)
}

// Resolve applies the unknown-rule policy to a (value, known) pair.
func Resolve(enabled, known, unknownDefault bool) bool {
	if !known {
		return unknownDefault
	}
	return enabled
}
