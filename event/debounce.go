package event

import "time"

// Debounce batches events from in, emitting the accumulated batch once no
// new event has arrived for the given window. The returned channel is
// closed after in is closed and the final batch (if any) has been emitted.
func Debounce[T any](in <-chan T, window time.Duration) <-chan []T {
	out := make(chan []T, 1)

	go func() {
		defer close(out)

		var batch []T
		timer := time.NewTimer(window)
		if !timer.Stop() {
			<-timer.C
		}
		defer timer.Stop()

		for {
			select {
			case ev, ok := <-in:
				if !ok {
					if len(batch) > 0 {
						out <- batch
					}

					return
				}
				batch = append(batch, ev)
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(window)
			case <-timer.C:
				if len(batch) > 0 {
					out <- batch
					batch = nil
				}
			}
		}
	}()

	return out
}
