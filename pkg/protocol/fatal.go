package protocol

// Shared enums for the bridge between the host and the guest viewer.

// FatalCode is an error code reported by the guest through _push_fatal.
type FatalCode int32

const (
	FatalOutOfMemory FatalCode = iota + 1
	FatalBug
	FatalInvalidFile
	FatalInvalidFileVersion
	FatalNativeFile
)

var fatalMessages = map[FatalCode]string{
	FatalOutOfMemory: "We're out of memory. WASM only supports up to 4 GB of memory *total*, " +
		"even on 64 bit systems. If you're trying to load a very large trace, try a native build.",
	FatalBug: "We hit a bug! Check the console for more details. In the meantime, " +
		"you can try reloading and loading your file again.",
	FatalInvalidFile:        "Invalid File! Check the console for more details.",
	FatalInvalidFileVersion: "Your trace is out of date! Check tools/upconvert in the repo for an upconverter.",
	FatalNativeFile:         "This trace was recorded for the native viewer and cannot be opened here.",
}

// Known reports whether c has a dedicated message.
func (c FatalCode) Known() bool {
	_, ok := fatalMessages[c]
	return ok
}

// Normalize maps unknown codes to FatalBug.
func (c FatalCode) Normalize() FatalCode {
	if c.Known() {
		return c
	}
	return FatalBug
}

// Message returns the user-facing text for c. Unknown codes get the
// unspecified-fault message.
func (c FatalCode) Message() string {
	return fatalMessages[c.Normalize()]
}

func (c FatalCode) String() string {
	switch c {
	case FatalOutOfMemory:
		return "out_of_memory"
	case FatalBug:
		return "bug"
	case FatalInvalidFile:
		return "invalid_file"
	case FatalInvalidFileVersion:
		return "invalid_file_version"
	case FatalNativeFile:
		return "native_file"
	default:
		return "unknown"
	}
}
