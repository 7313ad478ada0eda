package cache

func sessionKey(sessionID string) string {
	return "presence:session:" + sessionID
}

func aliveKey(sessionID, userID string) string {
	return "presence:alive:" + sessionID + ":" + userID
}

func stateKey(sessionID, userID string) string {
	return "presence:state:" + sessionID + ":" + userID
}
