package domain

// OperationKind names a billable generation operation. Every kind maps to a
// fixed credit cost and the provider that executes it.
type OperationKind string

const (
	OpMusicGenerate      OperationKind = "music_generate"
	OpMusicExtend        OperationKind = "music_extend"
	OpMusicCover         OperationKind = "music_cover"
	OpMusicSeparateVocal OperationKind = "music_separate_vocals"
	OpMusicSplitStemFull OperationKind = "music_split_stem_full"

	OpImageFast       OperationKind = "image_fast"
	OpImageStandard   OperationKind = "image_standard"
	OpImageUltra      OperationKind = "image_ultra"
	OpVideoGen5s      OperationKind = "video_gen4_5s"
	OpVideoGen10s     OperationKind = "video_gen4_10s"
	OpImageToVideo5s  OperationKind = "image_to_video_5s"
	OpImageToVideo10s OperationKind = "image_to_video_10s"
	OpVideoUpscale10s OperationKind = "video_upscale_10s"
	OpActTwo          OperationKind = "act_two"
)

// Provider names.
const (
	ProviderHarmonia    = "harmonia"
	ProviderRenderforge = "renderforge"
	ProviderMock        = "mock"
)

type operationSpec struct {
	cost     int64
	provider string
}

// Costs are fixed per operation and charged in full at submission.
var operations = map[OperationKind]operationSpec{
	OpMusicGenerate:      {cost: 6, provider: ProviderHarmonia},
	OpMusicExtend:        {cost: 6, provider: ProviderHarmonia},
	OpMusicCover:         {cost: 6, provider: ProviderHarmonia},
	OpMusicSeparateVocal: {cost: 5, provider: ProviderHarmonia},
	OpMusicSplitStemFull: {cost: 50, provider: ProviderHarmonia},

	OpImageFast:       {cost: 15, provider: ProviderRenderforge},
	OpImageStandard:   {cost: 25, provider: ProviderRenderforge},
	OpImageUltra:      {cost: 35, provider: ProviderRenderforge},
	OpVideoGen5s:      {cost: 20, provider: ProviderRenderforge},
	OpVideoGen10s:     {cost: 40, provider: ProviderRenderforge},
	OpImageToVideo5s:  {cost: 18, provider: ProviderRenderforge},
	OpImageToVideo10s: {cost: 35, provider: ProviderRenderforge},
	OpVideoUpscale10s: {cost: 20, provider: ProviderRenderforge},
	OpActTwo:          {cost: 35, provider: ProviderRenderforge},
}

// CostFor returns the credit cost of an operation.
func CostFor(kind OperationKind) (int64, error) {
	spec, ok := operations[kind]
	if !ok {
		return 0, ErrUnknownOperation
	}
	return spec.cost, nil
}

// ProviderFor returns the provider responsible for an operation.
func ProviderFor(kind OperationKind) (string, error) {
	spec, ok := operations[kind]
	if !ok {
		return "", ErrUnknownOperation
	}
	return spec.provider, nil
}

// KnownOperation reports whether the kind has a cost-table entry.
func KnownOperation(kind OperationKind) bool {
	_, ok := operations[kind]
	return ok
}
