// Package pipeline sequences a full warp session: a source volume is
// carried through the rigid and deformable transforms into the
// deformation field's reference space, then resliced onto an arbitrary
// target geometry.
//
// A Pipeline is single-threaded session state. Stage methods return a
// success flag and a human-readable message so an embedding UI can
// report partial failure without crashing; the typed error behind the
// most recent failure stays reachable through LastError.
package pipeline

import (
	"fmt"
	"os"
	"strings"

	"github.com/suyashkumar/dicom"

	"dvfwarp/pkg/dicomreg"
	"dvfwarp/pkg/geometry"
	"dvfwarp/pkg/nifti"
	"dvfwarp/pkg/resample"
	"dvfwarp/pkg/transform"
	"dvfwarp/pkg/volume"
)

// State identifies how far a warp session has progressed. Inputs may
// be loaded in any order; the reported state is the deepest fully
// satisfied prefix of the canonical load order.
type State int

const (
	Empty State = iota
	SourceLoaded
	RigidLoaded
	DeformableLoaded
	Warped
	TargetResampled
	Saved
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case SourceLoaded:
		return "source loaded"
	case RigidLoaded:
		return "rigid loaded"
	case DeformableLoaded:
		return "deformable loaded"
	case Warped:
		return "warped"
	case TargetResampled:
		return "target resampled"
	case Saved:
		return "saved"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// PreconditionError reports a stage invoked before its prerequisites
// were loaded. It signals a caller bug rather than bad input data.
type PreconditionError struct {
	// Stage is the operation that was refused.
	Stage string

	// Missing names the absent prerequisites.
	Missing string
}

func (e *PreconditionError) Error() string {
	return e.Stage + ": missing " + e.Missing
}

// Options configure a warp session.
type Options struct {
	// Resample controls interpolation, fill value and progress
	// reporting for both resampling passes.
	Resample resample.Options

	// KeepRigidWarp retains a rigid-only warp of the source during
	// ApplyTransformations so the rigid alignment can be inspected
	// separately from the deformation.
	KeepRigidWarp bool
}

// DefaultOptions returns the standard session configuration: linear
// interpolation, zero fill, rigid warp retained.
func DefaultOptions() Options {
	return Options{KeepRigidWarp: true}
}

// Pipeline owns the state of one warp session.
type Pipeline struct {
	opts Options

	// inputs
	source *volume.Volume
	rigid  transform.Transform
	deform *transform.DisplacementField

	// refGeom anchors the deformation field; pass 1 resamples onto it
	refGeom geometry.Grid

	// artifacts
	rigidWarped  *volume.Volume
	intermediate *volume.Volume
	final        *volume.Volume

	saved   bool
	lastErr error
}

// New creates an empty session.
func New(opts Options) *Pipeline {
	return &Pipeline{opts: opts}
}

// State derives the session's progress from what is loaded and built.
func (p *Pipeline) State() State {
	switch {
	case p.saved:
		return Saved
	case p.final != nil:
		return TargetResampled
	case p.intermediate != nil:
		return Warped
	case p.source != nil && p.rigid != nil && p.deform != nil:
		return DeformableLoaded
	case p.source != nil && p.rigid != nil:
		return RigidLoaded
	case p.source != nil:
		return SourceLoaded
	default:
		return Empty
	}
}

// LastError returns the typed error behind the most recent failed
// stage, or nil after a success.
func (p *Pipeline) LastError() error { return p.lastErr }

// Source returns the loaded source volume, or nil.
func (p *Pipeline) Source() *volume.Volume { return p.source }

// RigidWarped returns the rigid-only warp, or nil.
func (p *Pipeline) RigidWarped() *volume.Volume { return p.rigidWarped }

// Intermediate returns the composite-warped volume in the deformation
// field's reference space, or nil.
func (p *Pipeline) Intermediate() *volume.Volume { return p.intermediate }

// Final returns the volume resampled onto the target geometry, or nil.
func (p *Pipeline) Final() *volume.Volume { return p.final }

// ReferenceGeometry returns the deformation field's reference grid;
// zero until a DVF is loaded.
func (p *Pipeline) ReferenceGeometry() geometry.Grid { return p.refGeom }

func (p *Pipeline) fail(err error) (bool, string) {
	p.lastErr = err
	return false, err.Error()
}

func (p *Pipeline) succeed(msg string) (bool, string) {
	p.lastErr = nil
	return true, msg
}

// invalidateWarp drops every artifact derived from the inputs. Called
// whenever an input is replaced.
func (p *Pipeline) invalidateWarp() {
	p.rigidWarped = nil
	p.intermediate = nil
	p.final = nil
	p.saved = false
}

// LoadSource installs the source volume, replacing any prior one and
// invalidating downstream artifacts.
func (p *Pipeline) LoadSource(v *volume.Volume) (bool, string) {
	if v == nil {
		return p.fail(fmt.Errorf("load source: no volume provided"))
	}
	p.source = v
	p.invalidateWarp()
	return p.succeed(fmt.Sprintf("loaded source volume %s", v.Geom))
}

// LoadSourceFile loads the source from a NIfTI file or a DICOM series
// directory.
func (p *Pipeline) LoadSourceFile(path string) (bool, string) {
	v, err := readVolumeAuto(path)
	if err != nil {
		return p.fail(err)
	}
	p.source = v
	p.invalidateWarp()
	return p.succeed(fmt.Sprintf("loaded source volume %s from %s", v.Geom, path))
}

// LoadRigid installs the rigid transform.
func (p *Pipeline) LoadRigid(t transform.Transform) (bool, string) {
	if t == nil {
		return p.fail(fmt.Errorf("load rigid: no transform provided"))
	}
	p.rigid = t
	p.invalidateWarp()
	return p.succeed("loaded rigid transform")
}

// LoadRigidFile decodes a DICOM registration object into the rigid
// transform.
func (p *Pipeline) LoadRigidFile(path string) (bool, string) {
	r, err := dicomreg.DecodeRigidFile(path)
	if err != nil {
		return p.fail(err)
	}
	p.rigid = r
	p.invalidateWarp()
	return p.succeed(fmt.Sprintf("loaded rigid transform from %s", path))
}

// LoadDVF decodes a deformable registration dataset, builds the
// displacement field and anchors it to the decoded grid geometry.
func (p *Pipeline) LoadDVF(ds dicom.Dataset) (bool, string) {
	g, err := dicomreg.DecodeGrid(ds)
	if err != nil {
		return p.fail(err)
	}
	field, err := transform.BuildField(g.Raw, g.Geom)
	if err != nil {
		return p.fail(err)
	}
	df, err := transform.NewDisplacementField(field, g.Geom)
	if err != nil {
		return p.fail(err)
	}
	p.deform = df
	p.refGeom = g.Geom
	p.invalidateWarp()
	return p.succeed(fmt.Sprintf("loaded deformation field %s", g.Geom))
}

// LoadDVFFile parses a DICOM file and loads it as the deformation
// field.
func (p *Pipeline) LoadDVFFile(path string) (bool, string) {
	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return p.fail(fmt.Errorf("parse %s: %w", path, err))
	}
	return p.LoadDVF(ds)
}

// ApplyTransformations composes the rigid and deformable transforms,
// rigid applied first, and warps the source into the deformation
// field's reference space. The result is retained as the intermediate
// volume; when enabled, a rigid-only warp of the source onto its own
// geometry is retained alongside it.
func (p *Pipeline) ApplyTransformations() (bool, string) {
	var missing []string
	if p.source == nil {
		missing = append(missing, "source volume")
	}
	if p.rigid == nil {
		missing = append(missing, "rigid transform")
	}
	if p.deform == nil {
		missing = append(missing, "deformation field")
	}
	if len(missing) > 0 {
		return p.fail(&PreconditionError{Stage: "apply transformations", Missing: strings.Join(missing, ", ")})
	}

	composite := transform.NewComposite(p.rigid, p.deform)
	warped, err := resample.Resample(p.source, composite, p.refGeom, p.opts.Resample)
	if err != nil {
		return p.fail(err)
	}

	var rigidWarped *volume.Volume
	if p.opts.KeepRigidWarp {
		rigidWarped, err = resample.Resample(p.source, p.rigid, p.source.Geom, p.opts.Resample)
		if err != nil {
			return p.fail(err)
		}
	}

	p.intermediate = warped
	p.rigidWarped = rigidWarped
	p.final = nil
	p.saved = false
	return p.succeed(fmt.Sprintf("warped source into DVF space %s", p.refGeom))
}

// ApplyRigidOnly warps the source through the rigid transform alone,
// onto the source's own geometry. It only refreshes the rigid warp
// artifact; composite results are untouched.
func (p *Pipeline) ApplyRigidOnly() (bool, string) {
	var missing []string
	if p.source == nil {
		missing = append(missing, "source volume")
	}
	if p.rigid == nil {
		missing = append(missing, "rigid transform")
	}
	if len(missing) > 0 {
		return p.fail(&PreconditionError{Stage: "apply rigid transform", Missing: strings.Join(missing, ", ")})
	}

	warped, err := resample.Resample(p.source, p.rigid, p.source.Geom, p.opts.Resample)
	if err != nil {
		return p.fail(err)
	}
	p.rigidWarped = warped
	return p.succeed(fmt.Sprintf("applied rigid transform onto %s", p.source.Geom))
}

// ResampleToTarget reslices the intermediate volume onto the target
// geometry with an identity transform. Source and target grids
// generally differ in extent and origin, so this is a real resampling
// pass even though no deformation is applied.
func (p *Pipeline) ResampleToTarget(target geometry.Grid) (bool, string) {
	if p.intermediate == nil {
		return p.fail(&PreconditionError{Stage: "resample to target", Missing: "warped volume"})
	}
	// Re-validate: the grid may have been assembled by the caller
	// rather than a decoder.
	if _, err := geometry.NewGrid(target.Dims, target.Origin, target.Spacing, target.Direction); err != nil {
		return p.fail(err)
	}

	final, err := resample.Resample(p.intermediate, transform.Identity{}, target, p.opts.Resample)
	if err != nil {
		return p.fail(err)
	}
	p.final = final
	p.saved = false
	return p.succeed(fmt.Sprintf("resampled onto target geometry %s", target))
}

// ResampleToTargetFile reads only the geometry of the named image (a
// NIfTI file or DICOM series directory) and reslices onto it.
func (p *Pipeline) ResampleToTargetFile(path string) (bool, string) {
	var g geometry.Grid
	var err error
	if isDir(path) {
		g, err = dicomreg.ReadSeriesGeometry(path)
	} else {
		g, err = nifti.ReadGeometry(path)
	}
	if err != nil {
		return p.fail(err)
	}
	return p.ResampleToTarget(g)
}

// Save writes the final volume as NIfTI.
func (p *Pipeline) Save(path string) (bool, string) {
	if p.final == nil {
		return p.fail(&PreconditionError{Stage: "save", Missing: "resampled volume"})
	}
	if err := nifti.WriteVolume(path, p.final); err != nil {
		return p.fail(err)
	}
	p.saved = true
	return p.succeed(fmt.Sprintf("saved final volume to %s", path))
}

// SaveIntermediate writes the DVF-space volume as NIfTI.
func (p *Pipeline) SaveIntermediate(path string) (bool, string) {
	if p.intermediate == nil {
		return p.fail(&PreconditionError{Stage: "save intermediate", Missing: "warped volume"})
	}
	if err := nifti.WriteVolume(path, p.intermediate); err != nil {
		return p.fail(err)
	}
	return p.succeed(fmt.Sprintf("saved intermediate volume to %s", path))
}

// SaveRigidWarped writes the rigid-only warp as NIfTI.
func (p *Pipeline) SaveRigidWarped(path string) (bool, string) {
	if p.rigidWarped == nil {
		return p.fail(&PreconditionError{Stage: "save rigid warp", Missing: "rigid-only warp"})
	}
	if err := nifti.WriteVolume(path, p.rigidWarped); err != nil {
		return p.fail(err)
	}
	return p.succeed(fmt.Sprintf("saved rigid-only warp to %s", path))
}

// readVolumeAuto loads a volume from a NIfTI file or a DICOM series
// directory.
func readVolumeAuto(path string) (*volume.Volume, error) {
	if isDir(path) {
		return dicomreg.ReadSeries(path)
	}
	return nifti.ReadVolume(path)
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
