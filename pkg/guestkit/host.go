package guestkit

// LogDebug sends a debug message to the host logger.
func LogDebug(s string) { hostLogDebug(s) }

// LogInfo sends an info message to the host logger.
func LogInfo(s string) { hostLogInfo(s) }

// LogError sends an error message to the host logger.
func LogError(s string) { hostLogError(s) }

// Version returns the host-side module version, 1 on first load and
// incremented on every successful reload.
func Version() uint32 { return hostVersion() }

// Failure returns the host-side failure classification of the most recent
// fault, or 0 when none occurred.
func Failure() uint32 { return hostFailure() }

// DataGet reads the context userdata cell. The cell is owned by the host
// context and survives reloads, unlike guest memory outside the state region.
func DataGet() uint64 { return hostDataGet() }

// DataSet writes the context userdata cell.
func DataSet(v uint64) { hostDataSet(v) }
