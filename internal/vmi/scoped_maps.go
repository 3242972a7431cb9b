package vmi

// scopedMaps collects windows acquired during a multi-step mapping
// sequence (PFN→MFN materialization) so every exit path — success or
// error — releases exactly the temporaries it acquired.
type scopedMaps struct {
	frames FrameMapper
	held   []*AccessWindow
}

func newScopedMaps(frames FrameMapper) *scopedMaps {
	return &scopedMaps{frames: frames}
}

// track registers w for release by releaseAll/release.
func (s *scopedMaps) track(w *AccessWindow) *AccessWindow {
	s.held = append(s.held, w)
	return w
}

// release unmaps and forgets w before the scope ends. ensurePFNToMFN does
// not call it; it leaves every scaffold to releaseAll.
func (s *scopedMaps) release(w *AccessWindow) error {
	for i, h := range s.held {
		if h == w {
			s.held = append(s.held[:i], s.held[i+1:]...)
			break
		}
	}
	return w.Close()
}

// releaseAll unmaps every window still tracked. Safe to call multiple
// times; Close is idempotent.
func (s *scopedMaps) releaseAll() {
	for _, w := range s.held {
		w.Close()
	}
	s.held = nil
}

// count reports how many windows are currently held.
func (s *scopedMaps) count() int {
	return len(s.held)
}
