package prerender

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"

	"github.com/a-h/templ"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/conneroisu/buildwatch/internal/cache"
)

const (
	// DefaultShellPath is the index shell inside the server bundle.
	DefaultShellPath = "server/index.server.html"
	// DefaultPagesDir holds one .md or .html file per route.
	DefaultPagesDir = "server/pages"
	// outletAttr marks the element pages are rendered into. Without one the
	// page goes into <body>.
	outletAttr = "data-outlet"
)

// MarkdownOptions configures the markdown engine. Engines are shared
// between renders with equal options.
type MarkdownOptions struct {
	GFM    bool
	Unsafe bool
}

func (o MarkdownOptions) key() string {
	return fmt.Sprintf("gfm=%t,unsafe=%t", o.GFM, o.Unsafe)
}

// PageContext is handed to a Layout.
type PageContext struct {
	Route string
	Title string
	Body  string
}

// Layout wraps a rendered page body.
type Layout func(page PageContext) templ.Component

// TemplateRenderer renders pages from the server bundle into its index
// shell. A route /a/b reads server/pages/a/b.md (or .html); the root route
// reads index.md. The app shell route renders the shell with an empty
// outlet.
type TemplateRenderer struct {
	ShellPath string
	PagesDir  string
	Markdown  MarkdownOptions
	Layout    Layout
	// SiteTitle is used for the root route.
	SiteTitle string
	// InlineCSS replaces stylesheet links with the asset contents.
	InlineCSS bool
	BaseHref  string

	engines *cache.ProcessorCache[goldmark.Markdown]
}

// NewTemplateRenderer creates a renderer with default paths sharing engines
// through engines. A nil engines gets a private cache.
func NewTemplateRenderer(engines *cache.ProcessorCache[goldmark.Markdown]) *TemplateRenderer {
	if engines == nil {
		engines = cache.NewProcessorCache[goldmark.Markdown](4)
	}
	return &TemplateRenderer{
		ShellPath: DefaultShellPath,
		PagesDir:  DefaultPagesDir,
		Markdown:  MarkdownOptions{GFM: true},
		SiteTitle: "Home",
		BaseHref:  "/",
		engines:   engines,
	}
}

// Render implements PageRenderer.
func (r *TemplateRenderer) Render(ctx context.Context, req RenderRequest) (string, error) {
	server := req.Data.ServerFS()
	shell, err := fs.ReadFile(server, r.ShellPath)
	if err != nil {
		return "", fmt.Errorf("reading index shell: %w", err)
	}
	doc, err := html.Parse(bytes.NewReader(shell))
	if err != nil {
		return "", fmt.Errorf("parsing index shell: %w", err)
	}

	route := strings.TrimPrefix(req.URL, addLeadingSlash(strings.TrimSuffix(r.BaseHref, "/")))
	route = addLeadingSlash(route)
	title := r.title(route)
	setTitle(doc, title)

	if !req.AppShell {
		body, err := r.pageBody(server, route)
		if err != nil {
			return "", err
		}
		rendered, err := r.layout(ctx, PageContext{Route: route, Title: title, Body: body})
		if err != nil {
			return "", err
		}
		if err := inject(doc, rendered); err != nil {
			return "", err
		}
	}

	if r.InlineCSS {
		inlineStylesheets(doc, req.Data.AssetFS(), r.BaseHref)
	}

	var out bytes.Buffer
	if err := html.Render(&out, doc); err != nil {
		return "", err
	}
	return out.String(), nil
}

// pageBody finds the page source for route and converts it to HTML.
func (r *TemplateRenderer) pageBody(server fs.FS, route string) (string, error) {
	name := strings.Trim(route, "/")
	if name == "" {
		name = "index"
	}
	base := path.Join(r.PagesDir, name)

	if source, err := fs.ReadFile(server, base+".md"); err == nil {
		return r.markdown(source)
	}
	if source, err := fs.ReadFile(server, base+".html"); err == nil {
		return string(source), nil
	}
	if source, err := fs.ReadFile(server, path.Join(base, "index.md")); err == nil {
		return r.markdown(source)
	}
	return "", fmt.Errorf("no page source for route %s", route)
}

func (r *TemplateRenderer) markdown(source []byte) (string, error) {
	engine, release, err := r.engines.Acquire(r.Markdown.key(), func() (goldmark.Markdown, error) {
		return newMarkdown(r.Markdown), nil
	})
	if err != nil {
		return "", err
	}
	defer release()

	var buf bytes.Buffer
	if err := engine.Convert(source, &buf); err != nil {
		return "", fmt.Errorf("converting markdown: %w", err)
	}
	return buf.String(), nil
}

func newMarkdown(opts MarkdownOptions) goldmark.Markdown {
	var options []goldmark.Option
	if opts.GFM {
		options = append(options, goldmark.WithExtensions(extension.GFM))
	}
	if opts.Unsafe {
		options = append(options, goldmark.WithRendererOptions(gmhtml.WithUnsafe()))
	}
	return goldmark.New(options...)
}

func (r *TemplateRenderer) layout(ctx context.Context, page PageContext) (string, error) {
	var component templ.Component = templ.Raw(page.Body)
	if r.Layout != nil {
		component = r.Layout(page)
	}
	var buf bytes.Buffer
	if err := component.Render(ctx, &buf); err != nil {
		return "", fmt.Errorf("rendering layout: %w", err)
	}
	return buf.String(), nil
}

// title derives a page title from the last route segment.
func (r *TemplateRenderer) title(route string) string {
	segment := path.Base(route)
	if segment == "/" || segment == "." {
		return r.SiteTitle
	}
	words := strings.NewReplacer("-", " ", "_", " ").Replace(segment)
	return cases.Title(language.English).String(words)
}

// Section wraps a page body in a titled <section>. It is a ready-made
// Layout.
func Section(page PageContext) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if _, err := io.WriteString(w, "<section><h1>"+templ.EscapeString(page.Title)+"</h1>"); err != nil {
			return err
		}
		if err := templ.Raw(page.Body).Render(ctx, w); err != nil {
			return err
		}
		_, err := io.WriteString(w, "</section>")
		return err
	})
}

// LayoutByName resolves a configured layout name. The empty name means no
// layout.
func LayoutByName(name string) (Layout, error) {
	switch name {
	case "":
		return nil, nil
	case "section":
		return Section, nil
	}
	return nil, fmt.Errorf("unknown layout %q", name)
}

func setTitle(doc *html.Node, title string) {
	node := find(doc, func(n *html.Node) bool { return n.DataAtom == atom.Title })
	if node == nil {
		head := find(doc, func(n *html.Node) bool { return n.DataAtom == atom.Head })
		if head == nil {
			return
		}
		node = &html.Node{Type: html.ElementNode, Data: "title", DataAtom: atom.Title}
		head.AppendChild(node)
	}
	for c := node.FirstChild; c != nil; c = node.FirstChild {
		node.RemoveChild(c)
	}
	node.AppendChild(&html.Node{Type: html.TextNode, Data: title})
}

// inject parses body as a fragment of the outlet and appends it.
func inject(doc *html.Node, body string) error {
	outlet := find(doc, func(n *html.Node) bool { return hasAttr(n, outletAttr) })
	if outlet == nil {
		outlet = find(doc, func(n *html.Node) bool { return n.DataAtom == atom.Body })
	}
	if outlet == nil {
		return fmt.Errorf("index shell has no outlet")
	}
	nodes, err := html.ParseFragment(strings.NewReader(body), outlet)
	if err != nil {
		return fmt.Errorf("parsing page body: %w", err)
	}
	for _, n := range nodes {
		outlet.AppendChild(n)
	}
	return nil
}

// inlineStylesheets swaps <link rel=stylesheet> for <style> when the asset
// is part of the build. Unknown or absolute hrefs are left alone.
func inlineStylesheets(doc *html.Node, assets fs.FS, baseHref string) {
	var links []*html.Node
	walk(doc, func(n *html.Node) {
		if n.DataAtom == atom.Link && attr(n, "rel") == "stylesheet" {
			links = append(links, n)
		}
	})
	for _, link := range links {
		href := attr(link, "href")
		if href == "" || strings.Contains(href, "://") || strings.HasPrefix(href, "//") {
			continue
		}
		name := strings.TrimPrefix(href, addLeadingSlash(baseHref))
		name = removeLeadingSlash(name)
		css, err := fs.ReadFile(assets, name)
		if err != nil {
			continue
		}
		style := &html.Node{Type: html.ElementNode, Data: "style", DataAtom: atom.Style}
		style.AppendChild(&html.Node{Type: html.TextNode, Data: string(css)})
		link.Parent.InsertBefore(style, link)
		link.Parent.RemoveChild(link)
	}
}

func find(n *html.Node, match func(*html.Node) bool) *html.Node {
	if n.Type == html.ElementNode && match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := find(c, match); found != nil {
			return found
		}
	}
	return nil
}

func walk(n *html.Node, visit func(*html.Node)) {
	if n.Type == html.ElementNode {
		visit(n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, visit)
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}
