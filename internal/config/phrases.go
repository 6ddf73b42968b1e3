package config

// DefaultTerminalPhrases end a conversation when they are the whole
// normalized message.
var DefaultTerminalPhrases = []string{
	"thanks",
	"thank you",
	"thanks a lot",
	"thank you so much",
	"thx",
	"ty",
	"cheers",
	"ok thanks",
	"okay thanks",
	"ok thank you",
	"cool thanks",
	"great thanks",
	"perfect thanks",
	"thanks anyway",
	"thank you anyway",
	"no thanks",
	"bye",
	"goodbye",
	"good bye",
	"bye bye",
	"see you",
	"see ya",
	"later",
	"that's all",
	"thats all",
	"that is all",
	"i'm done",
	"im done",
	"done",
	"quit",
	"exit",
}

// DefaultTerminalPrefixes also end a conversation when followed by more
// words ("bye for now"). "thanks" is exact-only so that "thanks for the info
// about X" stays a normal turn.
var DefaultTerminalPrefixes = []string{
	"bye",
	"goodbye",
	"good bye",
	"see you",
	"see ya",
	"thanks anyway",
	"thank you anyway",
	"no thanks",
	"that's all",
	"thats all",
	"i'm done",
	"im done",
}

var DefaultFarewells = []string{
	"You're welcome! Let me know if you need anything else.",
	"Anytime! I'll be here if you need me.",
	"Glad I could help. Take care!",
	"No problem at all. Catch you later!",
	"Happy to help! Good luck with everything.",
}
