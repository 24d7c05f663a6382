package anthropic

// SystemPrompt builds the system blocks for a request. The shared
// instructions are cached so per-parameter requests on the same transcript
// reuse them; the per-request suffix is not.
func SystemPrompt(shared, suffix string) []SystemBlock {
	var blocks []SystemBlock
	if shared != "" {
		blocks = append(blocks, SystemBlock{Text: shared, Cached: true})
	}
	if suffix != "" {
		blocks = append(blocks, SystemBlock{Text: suffix})
	}
	return blocks
}
