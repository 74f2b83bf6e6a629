package action

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

const (
	DefaultLoaderLimit = 30

	VDBLoaderUsage = "Welcome to the Vector DB Loader.\n" +
		"Write text to insert in the DB.\n" +
		"Use `@[<coll>]` to select/create a collection and show the collections.\n" +
		"Use `*<string>` to vector search the <string>  in the DB.\n" +
		"Use `#<limit>`  to change the limit of searches.\n" +
		"Use `!<substr>` to remove text with `<substr>` in collection.\n" +
		"Use `!![<collection>]` to remove `<collection>` (default current) and switch to default.\n"
)

// VDBLoader is an interactive front end to the vector database. The current
// collection and search limit travel in the request state as
// "collection:limit".
type VDBLoader struct {
	db     VectorDB
	vision Captioner
	logger *zap.Logger
}

var _ Action = &VDBLoader{}

func NewVDBLoader(db VectorDB, vision Captioner, logger *zap.Logger) *VDBLoader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VDBLoader{db: db, vision: vision, logger: logger}
}

func (l *VDBLoader) Name() string { return "loader" }

// ParseState splits "collection:limit". Missing or invalid parts fall back to
// the defaults.
func ParseState(state string) (collection string, limit int) {
	collection, limit = DefaultCollection, DefaultLoaderLimit

	sp := strings.Split(state, ":")
	if len(sp) > 0 && sp[0] != "" {
		collection = sp[0]
	}
	if len(sp) > 1 {
		if n, err := strconv.Atoi(sp[1]); err == nil {
			limit = n
		}
	}
	return collection, limit
}

func (l *VDBLoader) Handle(ctx context.Context, req Request) Response {
	collection, limit := ParseState(req.State)
	res := Response{}

	var out string
	if form, ok := req.Input.Form(); ok {
		img := form["pic"]
		l.logger.Info("uploaded image", zap.Int("size", len(img)))
		res.HTML = imageHTML(img)
		out = l.loadImage(ctx, collection, img)
	} else if inp := strings.TrimSpace(req.Input.Text); inp != "" {
		out = l.command(ctx, inp, &collection, &limit)
	}

	res.Output = fmt.Sprintf("%sCurrent collection is %s with limit %d", VDBLoaderUsage, collection, limit)
	if out != "" {
		res.Output += "\n" + out
	}
	res.State = fmt.Sprintf("%s:%d", collection, limit)
	return res
}

func (l *VDBLoader) command(ctx context.Context, inp string, collection *string, limit *int) string {
	switch {
	case strings.HasPrefix(inp, "@"):
		if name := strings.TrimSpace(inp[1:]); name != "" {
			if err := l.db.CreateCollection(ctx, name); err != nil {
				return l.failed("create collection", err)
			}
			*collection = name
		}
		names, err := l.db.Collections(ctx)
		if err != nil {
			return l.failed("list collections", err)
		}
		return "Collections:\n" + strings.Join(names, "\n")

	case strings.HasPrefix(inp, "*"):
		hits, err := l.db.VectorSearch(ctx, *collection, strings.TrimSpace(inp[1:]), *limit)
		if err != nil {
			return l.failed("search", err)
		}
		var sb strings.Builder
		for _, h := range hits {
			fmt.Fprintf(&sb, "(%.2f) %s\n", h.Score, h.Text)
		}
		return fmt.Sprintf("Found %d:\n%s", len(hits), sb.String())

	case strings.HasPrefix(inp, "#"):
		n, err := strconv.Atoi(strings.TrimSpace(inp[1:]))
		if err != nil || n < 1 {
			return fmt.Sprintf("invalid limit %q", inp[1:])
		}
		*limit = n
		return ""

	case strings.HasPrefix(inp, "!!"):
		name := strings.TrimSpace(inp[2:])
		if name == "" {
			name = *collection
		}
		n, err := l.db.DropCollection(ctx, name)
		if err != nil {
			return l.failed("drop collection", err)
		}
		*collection = DefaultCollection
		return fmt.Sprintf("Dropped %s with %d documents", name, n)

	case strings.HasPrefix(inp, "!"):
		n, err := l.db.RemoveMatching(ctx, *collection, inp[1:])
		if err != nil {
			return l.failed("remove", err)
		}
		return fmt.Sprintf("Removed %d documents", n)
	}

	ins, err := l.db.Insert(ctx, *collection, inp)
	if err != nil {
		return l.failed("insert", err)
	}
	return "Inserted " + strings.Join(ins.IDs, " ")
}

func (l *VDBLoader) loadImage(ctx context.Context, collection, img string) string {
	description, err := l.vision.DescribeImage(ctx, img, "")
	if err != nil {
		return l.failed("describe image", err)
	}
	ins, err := l.db.Insert(ctx, collection, description)
	if err != nil {
		return l.failed("insert", err)
	}
	return description + "\nInserted " + strings.Join(ins.IDs, " ")
}

func (l *VDBLoader) failed(op string, err error) string {
	l.logger.Error(op+" failed", zap.Error(err))
	return fmt.Sprintf("%s: %v", op, err)
}
