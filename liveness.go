package hybridpool

import "time"

// livenessLoop periodically re-audits the region. A crashed peer cannot
// run its detach sequence, so its stale bookkeeping must be detected
// from outside: on audit failure the framework teardown hook is invoked,
// the region is invalidated either way, and the loop exits.
//
// The loop sleeps outside the auditor mutex and holds it only for the
// audit itself, so it cannot starve a detaching process.
func (p *Pool) livenessLoop() {
	defer close(p.loopDone)
	ticker := time.NewTicker(p.cfg.AuditInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
		}

		p.aud.lock()
		ok := p.aud.auditLocked()
		p.aud.unlock()
		if ok && !p.seg.OwnerDied() {
			continue
		}

		if p.cfg.NukeFunc != nil {
			if err := p.cfg.NukeFunc(); err != nil {
				p.log.Warnw("region teardown failed after audit failure",
					"segment", p.seg.Name(), "error", err)
			}
		}
		p.aud.invalidate()
		p.log.Warnw("dead peer detected, shared region invalidated",
			"segment", p.seg.Name())
		return
	}
}
