package fpr

// Version-aware frame dispatch. Every inbound frame carries the sender's
// packed protocol version; frames from other major versions are routed
// to the legacy or future handler instead of the normal path.

import "log/slog"

// dispatchVersion routes a frame by its version field. Returns true when
// the frame should continue through the normal receive path. Frames no
// handler accepts are counted as version drops.
func (d *Device) dispatchVersion(src MAC, f *Frame) bool {
	if f.Version.IsCurrent() {
		return true
	}

	d.logger.Warn("version mismatch",
		slog.String("src", src.String()),
		slog.String("local", ProtocolVersion.String()),
		slog.String("remote", f.Version.String()),
	)

	if f.Version.NeedsLegacy() && d.handleLegacyFrame(src, f) {
		return true
	}
	if f.Version.NeedsFuture() && d.handleFutureFrame(src, f) {
		return true
	}

	d.dropFrame(DropVersion)
	return false
}

// handleLegacyFrame processes frames from the pre-versioning era (v0) or
// an older major release. There is no conversion for the v0 layout;
// legacy frames are dropped.
func (d *Device) handleLegacyFrame(src MAC, f *Frame) bool {
	d.logger.Debug("legacy frame dropped",
		slog.String("src", src.String()),
		slog.String("version", f.Version.String()),
	)
	return false
}

// handleFutureFrame processes frames from a newer major release than
// this implementation understands. No forward-compatibility mapping is
// defined yet; future frames are dropped with a warning.
func (d *Device) handleFutureFrame(src MAC, f *Frame) bool {
	d.logger.Warn("frame from future protocol version dropped",
		slog.String("src", src.String()),
		slog.String("version", f.Version.String()),
	)
	return false
}
