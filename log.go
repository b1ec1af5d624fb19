package canlog

// logTag prefixes decode-path log lines with the component's bracketed tag.
const logTag = "[DECODE]"
