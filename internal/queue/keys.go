package queue

import "encoding/binary"

// Key layout for the job store:
//
//	jq/{queue}/job/{jobID}                     job row (JSON), kept through terminal states
//	jq/{queue}/waiting/{not_before_ms 8B}{id}  availability index, scanned in gate order
//	jq/{queue}/active/{expires_ms 8B}{id}      lease index, scanned by the sweeper
func queuePrefix(queue string) string {
	return "jq/" + queue + "/"
}

func jobKey(queue, jobID string) []byte {
	return []byte(queuePrefix(queue) + "job/" + jobID)
}

func jobPrefix(queue string) []byte {
	return []byte(queuePrefix(queue) + "job/")
}

func waitingKey(queue string, notBeforeMs int64, jobID string) []byte {
	prefix := queuePrefix(queue) + "waiting/"
	key := make([]byte, len(prefix)+8+len(jobID))
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(notBeforeMs))
	copy(key[len(prefix)+8:], jobID)
	return key
}

func waitingPrefix(queue string) []byte {
	return []byte(queuePrefix(queue) + "waiting/")
}

func activeKey(queue string, expiresMs int64, jobID string) []byte {
	prefix := queuePrefix(queue) + "active/"
	key := make([]byte, len(prefix)+8+len(jobID))
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(expiresMs))
	copy(key[len(prefix)+8:], jobID)
	return key
}

func activePrefix(queue string) []byte {
	return []byte(queuePrefix(queue) + "active/")
}
