package chatdom

// Profile holds every page-specific selector and marker the observation
// layer depends on. Chat frontends restructure their DOM without notice, so
// all of this is configuration with defaults for a conventional chat layout,
// never hardcoded in the probe scripts.
//
// The json tags are the contract with the in-page probe scripts: a Profile
// is marshalled and handed to them as a parameter object.
type Profile struct {
	// Conversation structure.
	TurnSelector          string `yaml:"turn_selector" json:"turnSelector"`
	AssistantTurnSelector string `yaml:"assistant_turn_selector" json:"assistantTurnSelector"`
	MarkdownSelector      string `yaml:"markdown_selector" json:"markdownSelector"`
	ExpandSelector        string `yaml:"expand_selector" json:"expandSelector"`
	TurnIDAttr            string `yaml:"turn_id_attr" json:"turnIdAttr"`
	MessageIDAttr         string `yaml:"message_id_attr" json:"messageIdAttr"`

	// Streaming affordances.
	StopSelector      string `yaml:"stop_selector" json:"stopSelector"`
	ActionBarSelector string `yaml:"action_bar_selector" json:"actionBarSelector"`
	DoneMarker        string `yaml:"done_marker" json:"doneMarker"`
	StatusSelector    string `yaml:"status_selector" json:"statusSelector"`

	// Composer.
	ComposerSelector  string `yaml:"composer_selector" json:"composerSelector"`
	SendSelector      string `yaml:"send_selector" json:"sendSelector"`
	FileInputSelector string `yaml:"file_input_selector" json:"fileInputSelector"`
	ChipSelector      string `yaml:"chip_selector" json:"chipSelector"`
	ChipNameSelector  string `yaml:"chip_name_selector" json:"chipNameSelector"`
	UploadingSelector string `yaml:"uploading_selector" json:"uploadingSelector"`
	FileCountSelector string `yaml:"file_count_selector" json:"fileCountSelector"`

	// Placeholder fragments, matched case-insensitively after trimming.
	RoleEchoMarker   string   `yaml:"role_echo_marker" json:"roleEchoMarker"`
	ThinkingMarkers  []string `yaml:"thinking_markers" json:"thinkingMarkers"`
	UploadGateMarker string   `yaml:"upload_gate_marker" json:"uploadGateMarker"`
	AnswerGateMarker string   `yaml:"answer_gate_marker" json:"answerGateMarker"`

	// Fallback content-root scoring.
	FallbackRootSelector string `yaml:"fallback_root_selector" json:"fallbackRootSelector"`
	ExcludeSelector      string `yaml:"exclude_selector" json:"excludeSelector"`
	ScoreActionWeight    int    `yaml:"score_action_weight" json:"scoreActionWeight"`
	ScoreRoleWeight      int    `yaml:"score_role_weight" json:"scoreRoleWeight"`
	ScoreMarkdownWeight  int    `yaml:"score_markdown_weight" json:"scoreMarkdownWeight"`
}

// DefaultProfile returns selectors for a conventional chat frontend. Real
// deployments override per site in the runner config.
func DefaultProfile() Profile {
	return Profile{
		TurnSelector:          `[data-turn-index], [data-testid^="conversation-turn"]`,
		AssistantTurnSelector: `[data-role="assistant"], [data-message-author-role="assistant"]`,
		MarkdownSelector:      `.markdown, .prose, [data-message-content]`,
		ExpandSelector:        `button[aria-expanded="false"][data-reveal]`,
		TurnIDAttr:            "data-turn-id",
		MessageIDAttr:         "data-message-id",

		StopSelector:      `button[aria-label="Stop generating"], [data-testid="stop-button"]`,
		ActionBarSelector: `[data-testid="turn-actions"], .turn-actions`,
		DoneMarker:        "Done",
		StatusSelector:    `[data-testid="turn-status"], .turn-status`,

		ComposerSelector:  `#prompt-textarea, form textarea, [contenteditable="true"][data-composer]`,
		SendSelector:      `button[data-testid="send-button"], button[aria-label="Send message"]`,
		FileInputSelector: `input[type="file"]`,
		ChipSelector:      `[data-testid="attachment-chip"], .composer-attachment`,
		ChipNameSelector:  `[data-testid="attachment-name"], .attachment-name`,
		UploadingSelector: `[data-testid="attachment-uploading"], .attachment-progress`,
		FileCountSelector: `[data-testid="attachment-count"]`,

		RoleEchoMarker:   "assistant said:",
		ThinkingMarkers:  []string{"thinking", "reasoning"},
		UploadGateMarker: "upload a file",
		AnswerGateMarker: "answer now",

		FallbackRootSelector: `main, [role="main"], article`,
		ExcludeSelector:      `nav, aside, header, footer, form`,
		ScoreActionWeight:    10,
		ScoreRoleWeight:      5,
		ScoreMarkdownWeight:  1,
	}
}

// ApplyDefaults fills every empty field from DefaultProfile. Partial
// profiles from config files override only what they set.
func (p *Profile) ApplyDefaults() {
	d := DefaultProfile()
	if p.TurnSelector == "" {
		p.TurnSelector = d.TurnSelector
	}
	if p.AssistantTurnSelector == "" {
		p.AssistantTurnSelector = d.AssistantTurnSelector
	}
	if p.MarkdownSelector == "" {
		p.MarkdownSelector = d.MarkdownSelector
	}
	if p.ExpandSelector == "" {
		p.ExpandSelector = d.ExpandSelector
	}
	if p.TurnIDAttr == "" {
		p.TurnIDAttr = d.TurnIDAttr
	}
	if p.MessageIDAttr == "" {
		p.MessageIDAttr = d.MessageIDAttr
	}
	if p.StopSelector == "" {
		p.StopSelector = d.StopSelector
	}
	if p.ActionBarSelector == "" {
		p.ActionBarSelector = d.ActionBarSelector
	}
	if p.DoneMarker == "" {
		p.DoneMarker = d.DoneMarker
	}
	if p.StatusSelector == "" {
		p.StatusSelector = d.StatusSelector
	}
	if p.ComposerSelector == "" {
		p.ComposerSelector = d.ComposerSelector
	}
	if p.SendSelector == "" {
		p.SendSelector = d.SendSelector
	}
	if p.FileInputSelector == "" {
		p.FileInputSelector = d.FileInputSelector
	}
	if p.ChipSelector == "" {
		p.ChipSelector = d.ChipSelector
	}
	if p.ChipNameSelector == "" {
		p.ChipNameSelector = d.ChipNameSelector
	}
	if p.UploadingSelector == "" {
		p.UploadingSelector = d.UploadingSelector
	}
	if p.FileCountSelector == "" {
		p.FileCountSelector = d.FileCountSelector
	}
	if p.RoleEchoMarker == "" {
		p.RoleEchoMarker = d.RoleEchoMarker
	}
	if len(p.ThinkingMarkers) == 0 {
		p.ThinkingMarkers = d.ThinkingMarkers
	}
	if p.UploadGateMarker == "" {
		p.UploadGateMarker = d.UploadGateMarker
	}
	if p.AnswerGateMarker == "" {
		p.AnswerGateMarker = d.AnswerGateMarker
	}
	if p.FallbackRootSelector == "" {
		p.FallbackRootSelector = d.FallbackRootSelector
	}
	if p.ExcludeSelector == "" {
		p.ExcludeSelector = d.ExcludeSelector
	}
	if p.ScoreActionWeight == 0 {
		p.ScoreActionWeight = d.ScoreActionWeight
	}
	if p.ScoreRoleWeight == 0 {
		p.ScoreRoleWeight = d.ScoreRoleWeight
	}
	if p.ScoreMarkdownWeight == 0 {
		p.ScoreMarkdownWeight = d.ScoreMarkdownWeight
	}
}
