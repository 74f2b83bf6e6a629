package action

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

const LoaderUsage = "Please upload a picture and I will tell you what I see"

// ImageLoader captions an uploaded picture and stores the caption.
type ImageLoader struct {
	collection string
	vision     Captioner
	db         Inserter
	logger     *zap.Logger
}

var _ Action = &ImageLoader{}

func NewImageLoader(collection string, vision Captioner, db Inserter, logger *zap.Logger) *ImageLoader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ImageLoader{collection: collection, vision: vision, db: db, logger: logger}
}

func (l *ImageLoader) Name() string { return "loader_img" }

func (l *ImageLoader) Handle(ctx context.Context, req Request) Response {
	res := Response{Output: LoaderUsage, Form: ImageForm}

	form, ok := req.Input.Form()
	if !ok {
		return res
	}

	img := form["pic"]
	l.logger.Info("uploaded image", zap.Int("size", len(img)))
	res.HTML = imageHTML(img)

	description, err := l.vision.DescribeImage(ctx, img, "")
	if err != nil {
		l.logger.Error("describe image failed", zap.Error(err))
		res.Output = err.Error()
		return res
	}

	ins, err := l.db.Insert(ctx, l.collection, description)
	if err != nil {
		l.logger.Error("insert failed", zap.String("collection", l.collection), zap.Error(err))
		res.Output = description + "\n" + err.Error()
		return res
	}

	res.Output = description + strings.Join(ins.IDs, "\n") + "\n"
	return res
}
