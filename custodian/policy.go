package main

import "strings"

// The permission policy is a static ordered table. Levels form a total
// order: a host granted level L may perform every operation whose
// required level is <= L.

type policyEntry struct {
	op          string
	level       int
	description string
}

var permissionTable = []policyEntry{
	{"getPublicKey", 1, "read your public key"},
	{"getRelays", 5, "read your list of preferred relays"},
	{"signEvent", 10, "sign events using your private key"},
	{"nip04.encrypt", 20, "encrypt messages to peers"},
	{"nip04.decrypt", 20, "decrypt messages from peers"},
}

// RequiredLevel returns the level an operation demands. Unknown
// operations are not found and therefore denied.
func RequiredLevel(op string) (int, bool) {
	for _, e := range permissionTable {
		if e.op == op {
			return e.level, true
		}
	}
	return 0, false
}

// AllowedCapabilities lists, in table order and without duplicates, the
// descriptions of everything a given level permits. An empty result is
// reported as ["nothing"].
func AllowedCapabilities(level int) []string {
	var caps []string
	seen := make(map[string]bool)
	for _, e := range permissionTable {
		if e.level > level {
			continue
		}
		if seen[e.description] {
			continue
		}
		seen[e.description] = true
		caps = append(caps, e.description)
	}
	if len(caps) == 0 {
		return []string{"nothing"}
	}
	return caps
}

// DescribePermissions renders a level as a human-readable sentence
// fragment for prompt copy, joining capabilities with an Oxford "and".
func DescribePermissions(level int) string {
	caps := AllowedCapabilities(level)
	if len(caps) == 1 {
		return caps[0]
	}
	return strings.Join(caps[:len(caps)-1], ", ") + " and " + caps[len(caps)-1]
}

// kindNames maps nostr event kinds to the names shown on signing prompts.
var kindNames = map[int]string{
	0:  "Metadata",
	1:  "Text",
	2:  "Recommend Relay",
	3:  "Contacts",
	4:  "Encrypted Direct Messages",
	5:  "Event Deletion",
	6:  "Repost",
	7:  "Reaction",
	40: "Channel Creation",
	41: "Channel Metadata",
	42: "Channel Message",
	43: "Channel Hide Message",
	44: "Channel Mute User",
}

// KindName returns the display name of an event kind, or empty when the
// kind is not recognized.
func KindName(kind int) string {
	return kindNames[kind]
}
