package tools

// RegisterAllTools registers the full tool surface: vault file operations
// and sync management.
func RegisterAllTools(r *Registry) {
	registerVaultTools(r)
	registerSyncTools(r)
}

func registerVaultTools(r *Registry) {
	// upload_file
	r.MustRegister(ToolDefinition{
		Name:        "upload_file",
		Description: "Upload a new file to your vault and index it for semantic search. Fails if the file already exists.",
		InputSchema: BuildSchema(map[string]any{
			"filename": StringSchema("Vault-relative path of the file to create (e.g. notes/idea.md)"),
			"content":  StringSchema("Text content to write to the file"),
		}, []string{"filename", "content"}),
	}, HandleUploadFile)

	// create_note
	r.MustRegister(ToolDefinition{
		Name:        "create_note",
		Description: "Create a markdown note from a title and body. The title becomes the filename and a heading.",
		InputSchema: BuildSchema(map[string]any{
			"title":   StringSchema("Title of the note, used to derive the filename"),
			"content": StringSchema("Note body in markdown"),
		}, []string{"title", "content"}),
	}, HandleCreateNote)

	// read_file
	r.MustRegister(ToolDefinition{
		Name:        "read_file",
		Description: "Read the contents of a file from your vault",
		InputSchema: BuildSchema(map[string]any{
			"filename": StringSchema("Vault-relative path of the file to read"),
		}, []string{"filename"}),
	}, HandleReadFile)

	// modify_file
	r.MustRegister(ToolDefinition{
		Name:        "modify_file",
		Description: "Overwrite an existing file's contents and re-index it. Fails if the file does not exist.",
		InputSchema: BuildSchema(map[string]any{
			"filename": StringSchema("Vault-relative path of the file to modify"),
			"content":  StringSchema("New content replacing the current contents"),
		}, []string{"filename", "content"}),
	}, HandleModifyFile)

	// delete_file
	r.MustRegister(ToolDefinition{
		Name:        "delete_file",
		Description: "Delete a file from your vault and remove it from the search index",
		InputSchema: BuildSchema(map[string]any{
			"filename": StringSchema("Vault-relative path of the file to delete"),
		}, []string{"filename"}),
	}, HandleDeleteFile)

	// list_files
	r.MustRegister(ToolDefinition{
		Name:        "list_files",
		Description: "List files and folders in a vault directory with sizes and modification times",
		InputSchema: BuildSchema(map[string]any{
			"directory": StringSchema("Vault-relative directory to list (empty for the vault root)"),
		}, nil),
	}, HandleListFiles)

	// search_files
	min1, max50 := 1, 50
	r.MustRegister(ToolDefinition{
		Name:        "search_files",
		Description: "Semantically search your vault and return the most relevant notes with excerpts",
		InputSchema: BuildSchema(map[string]any{
			"query": StringSchema("What to search for, in natural language"),
			"k":     IntegerSchema("Maximum number of results (default 5)", &min1, &max50),
		}, []string{"query"}),
	}, HandleSearchFiles)
}

func registerSyncTools(r *Registry) {
	// configure
	r.MustRegister(ToolDefinition{
		Name:        "configure",
		Description: "Configure Git sync for your vault, or show the current configuration when called without arguments",
		InputSchema: BuildSchema(map[string]any{
			"repo_url": StringSchema("HTTPS URL of the Git repository holding the vault"),
			"token":    StringSchema("Personal access token with push permission"),
			"branch":   StringSchema("Branch to sync (default main)"),
		}, nil),
	}, HandleConfigure)

	// status
	r.MustRegister(ToolDefinition{
		Name:        "status",
		Description: "Report vault sync status: repository, progress, estimated completion, and failure state",
		InputSchema: BuildSchema(map[string]any{}, nil),
	}, HandleStatus)

	// reset_failures
	r.MustRegister(ToolDefinition{
		Name:        "reset_failures",
		Description: "Clear the consecutive-failure count so a stopped sync resumes on the next cycle",
		InputSchema: BuildSchema(map[string]any{}, nil),
	}, HandleResetFailures)

	// force_reindex
	r.MustRegister(ToolDefinition{
		Name:        "force_reindex",
		Description: "Schedule a full re-embedding of every vault file on the next sync cycle",
		InputSchema: BuildSchema(map[string]any{}, nil),
	}, HandleForceReindex)
}
