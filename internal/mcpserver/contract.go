package mcpserver

// ContractURI is the resource URI of the publishing contract.
const ContractURI = "folio://publishing-contract"

// PublishingContract describes how LLM consumers stage and publish content.
const PublishingContract = `# folio Publishing Contract

folio publishes a rendered note vault. Content never goes straight to
production: it is staged in a session and promoted as a whole.

## Flow

1. ` + "`" + `create_session` + "`" + ` returns a session id.
2. Stage files into the session. Assets go through ` + "`" + `stage_asset` + "`" + `.
   Rendered pages and the session manifest are uploaded by the renderer over HTTP.
3. ` + "`" + `finalize_session` + "`" + ` queues the promotion and returns a job id.
   Track it with ` + "`" + `list_jobs` + "`" + `.
4. ` + "`" + `discard_session` + "`" + ` drops a session you do not want to publish.

## Rules

1. **Routes** start with ` + "`" + `/` + "`" + ` and are unique across the site.
2. **Deletion is explicit.** Pass every route of the vault to ` + "`" + `finalize_session` + "`" + `
   to remove pages that no longer exist. Without routes nothing is deleted.
3. **Unchanged pages are kept as they are.** A page whose source hash matches the
   published one keeps its HTML and metadata unless the rendering pipeline changed.
4. **Assets** are removed once no published page references them.
   Supported formats: png, jpg, jpeg, gif, webp, svg, pdf.
5. **Paths** are relative, use forward slashes and never contain ` + "`" + `..` + "`" + `.
6. A session being finalized is read-only; it disappears once the job finishes.

## Reading the site

- ` + "`" + `get_manifest` + "`" + ` or the ` + "`" + `folio://manifest` + "`" + ` resource: the full manifest.
- ` + "`" + `list_pages` + "`" + `: routes below a folder.
- ` + "`" + `get_page` + "`" + `: one page with its rendered HTML.
`
