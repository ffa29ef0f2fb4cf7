package enrich

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dselans/songsync/backends/deezer"
	"github.com/dselans/songsync/backends/master"
	"github.com/dselans/songsync/backends/songbpm"
	"github.com/dselans/songsync/backends/spotify"
	"github.com/dselans/songsync/services/reconcile"
	"github.com/dselans/songsync/util"
)

const (
	JobCSV      = "csv"
	JobTags     = "tags"
	JobInfo     = "info"
	JobAlbums   = "albums"
	JobFeatures = "features"
	JobDeezer   = "deezer"
	JobBPM      = "bpm"
)

// Info proposes album, release year, genres and duration from Spotify. Spotify's title
// and artist are authoritative; approximate agreement is accepted.
type Info struct {
	Spotify spotify.ISpotify
}

func (i *Info) Name() string { return JobInfo }

func (i *Info) Fields() []string {
	return []string{reconcile.FieldAlbum, reconcile.FieldReleaseYear, reconcile.FieldGenres, reconcile.FieldDurationSec}
}

func (i *Info) Fetch(ctx context.Context, song *reconcile.Song) (*Proposal, error) {
	info, err := i.Spotify.TrackInfo(ctx, song.ID)
	if err != nil {
		if errors.Is(err, spotify.ErrNotFound) {
			return nil, nil
		}

		return nil, err
	}

	return &Proposal{
		Asserted: map[string]string{
			reconcile.FieldTitle:  info.Title,
			reconcile.FieldArtist: info.Artist,
		},
		Tolerance: reconcile.ToleranceApproximate,
		Values: map[string]string{
			reconcile.FieldAlbum:       info.Album,
			reconcile.FieldReleaseYear: info.ReleaseYear,
			reconcile.FieldGenres:      strings.Join(info.Genres, ","),
			reconcile.FieldDurationSec: info.DurationSec,
		},
	}, nil
}

// Albums only fills the album and requires Spotify to agree exactly.
type Albums struct {
	Spotify spotify.ISpotify
}

func (a *Albums) Name() string { return JobAlbums }

func (a *Albums) Fields() []string {
	return []string{reconcile.FieldAlbum}
}

func (a *Albums) Fetch(ctx context.Context, song *reconcile.Song) (*Proposal, error) {
	track, err := a.Spotify.Track(ctx, song.ID)
	if err != nil {
		if errors.Is(err, spotify.ErrNotFound) {
			return nil, nil
		}

		return nil, err
	}

	artist := ""
	if len(track.Artists) > 0 {
		artist = track.Artists[0].Name
	}

	return &Proposal{
		Asserted: map[string]string{
			reconcile.FieldTitle:  track.Name,
			reconcile.FieldArtist: artist,
		},
		Tolerance: reconcile.ToleranceExact,
		Values: map[string]string{
			reconcile.FieldAlbum: track.Album.Name,
		},
	}, nil
}

// Features copies audio features from the master table, matched on the exact
// track name.
type Features struct {
	Master master.IMaster
}

func (f *Features) Name() string { return JobFeatures }

func (f *Features) Fields() []string {
	return []string{reconcile.FieldDanceability, reconcile.FieldEnergy, reconcile.FieldValence}
}

func (f *Features) Fetch(ctx context.Context, song *reconcile.Song) (*Proposal, error) {
	features, err := f.Master.Lookup(ctx, song.Title)
	if err != nil {
		if errors.Is(err, master.ErrNotFound) {
			return nil, nil
		}

		return nil, err
	}

	return &Proposal{
		Values: map[string]string{
			reconcile.FieldDanceability: features.Danceability,
			reconcile.FieldEnergy:       features.Energy,
			reconcile.FieldValence:      features.Valence,
		},
	}, nil
}

// Deezer archives the raw search response, downloads the preview and records
// whether one is available. Its jobs resume by default.
type Deezer struct {
	Deezer    deezer.IDeezer
	OutputDir string
	AudioDir  string

	// Force re-downloads existing previews
	Force bool

	// DryRun skips writing files
	DryRun bool
}

func (d *Deezer) Name() string { return JobDeezer }

func (d *Deezer) Fields() []string {
	return []string{reconcile.FieldPreviewAvailable}
}

func (d *Deezer) AlwaysResume() bool { return true }

func (d *Deezer) Fetch(ctx context.Context, song *reconcile.Song) (*Proposal, error) {
	_, logger := util.MethodSetup(ctx, nil, zap.String("method", "Deezer.Fetch"))

	res, err := d.Deezer.Search(ctx, song.Title, song.Artist)
	if err != nil {
		return nil, err
	}

	if !d.DryRun && d.OutputDir != "" {
		if _, err := deezer.SaveRaw(d.OutputDir, song.ID, res.Raw); err != nil {
			logger.Warn("Unable to save raw response", zap.Error(err))
		}
	}

	unavailable := &Proposal{
		NoData: true,
		Values: map[string]string{reconcile.FieldPreviewAvailable: "0"},
	}

	if res.Track == nil {
		logger.Warn("No results found", zap.String("title", song.Title), zap.String("artist", song.Artist))
		return unavailable, nil
	}

	if res.Track.Preview == "" {
		logger.Warn("No preview available", zap.String("title", song.Title), zap.String("artist", song.Artist))
		return unavailable, nil
	}

	if !d.DryRun {
		if _, err := d.Deezer.DownloadPreview(ctx, res.Track, d.AudioDir, d.Force); err != nil {
			return nil, errors.Wrap(err, "unable to download preview")
		}
	}

	return &Proposal{
		Values: map[string]string{reconcile.FieldPreviewAvailable: "1"},
	}, nil
}

// BPM fills the tempo from GetSongBPM.
type BPM struct {
	SongBPM songbpm.ISongBPM
}

func (b *BPM) Name() string { return JobBPM }

func (b *BPM) Fields() []string {
	return []string{reconcile.FieldBPM}
}

func (b *BPM) Fetch(ctx context.Context, song *reconcile.Song) (*Proposal, error) {
	tempo, err := b.SongBPM.Tempo(ctx, song.Title, song.Artist)
	if err != nil {
		if errors.Is(err, songbpm.ErrNotFound) {
			return nil, nil
		}

		return nil, err
	}

	return &Proposal{
		Values: map[string]string{reconcile.FieldBPM: tempo},
	}, nil
}
