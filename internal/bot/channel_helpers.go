package bot

// tryEnqueue отправляет значение в канал без блокировки. При
// переполнении значение отбрасывается и учитывается в метриках.
func tryEnqueue[T any](ch chan T, v T, buffer string) bool {
	if ch == nil {
		return false
	}

	select {
	case ch <- v:
		return true
	default:
		RecordBufferOverflow(buffer)
		return false
	}
}
