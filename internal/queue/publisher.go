package queue

// Publisher is what the ingest handler hands accepted batches to. The NSQ
// producer and the in-process consumer both implement it.
type Publisher interface {
	Publish(topic string, body []byte) error
}
